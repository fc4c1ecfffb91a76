package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/internal/middleware"
	"github.com/groupchat/internal/model"
)

type fakeMessageReader struct {
	messages []model.Message
	calls    int
}

func (f *fakeMessageReader) History(context.Context, string, int, time.Time) ([]model.Message, error) {
	f.calls++
	return f.messages, nil
}

type fakePinReader struct {
	pins  []model.PinnedMessage
	calls int
}

func (f *fakePinReader) GetByGroup(context.Context, string) ([]model.PinnedMessage, error) {
	f.calls++
	return f.pins, nil
}

func messageRouter(h *MessageHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/groups/{id}/messages", h.History)
	r.Get("/groups/{id}/pinned", h.Pinned)
	return r
}

func getAs(r http.Handler, target, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHistoryRequiresMembership(t *testing.T) {
	members := &fakeMembers{}
	members.add(model.Member{ID: "m-bob", GroupID: "g1", UserID: "u-bob", Name: "bob"})
	members.add(model.Member{ID: "m-eve", GroupID: "g1", UserID: "u-eve", Name: "eve", IsBanned: true})
	body := "hello"
	msgs := &fakeMessageReader{messages: []model.Message{{ID: "msg-1", GroupID: "g1", Body: &body}}}
	h := NewMessageHandler(msgs, &fakePinReader{}, members)
	r := messageRouter(h)

	// Not a member of g1, banned, or no session identity at all: no transcript.
	for _, userID := range []string{"u-stranger", "u-eve", ""} {
		rec := getAs(r, "/groups/g1/messages", userID)
		require.Equal(t, http.StatusForbidden, rec.Code, "user %q", userID)
	}
	assert.Zero(t, msgs.calls, "transcript must not be read")

	rec := getAs(r, "/groups/g1/messages", "u-bob")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []model.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "msg-1", got[0].ID)
}

func TestPinnedRequiresMembership(t *testing.T) {
	members := &fakeMembers{}
	members.add(model.Member{ID: "m-bob", GroupID: "g1", UserID: "u-bob", Name: "bob"})
	pins := &fakePinReader{pins: []model.PinnedMessage{{GroupID: "g1", MessageID: "msg-1", PinnedBy: "m-bob"}}}
	h := NewMessageHandler(&fakeMessageReader{}, pins, members)
	r := messageRouter(h)

	rec := getAs(r, "/groups/g1/pinned", "u-stranger")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, pins.calls)

	rec = getAs(r, "/groups/g1/pinned", "u-bob")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []model.PinnedMessage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "msg-1", got[0].MessageID)
}
