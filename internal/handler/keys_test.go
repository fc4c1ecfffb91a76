package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/internal/middleware"
	"github.com/groupchat/internal/model"
	"github.com/groupchat/internal/repository"
)

type fakeMembers struct {
	members map[string]*model.Member // keyed group/user
}

func (f *fakeMembers) add(m model.Member) {
	if f.members == nil {
		f.members = make(map[string]*model.Member)
	}
	f.members[m.GroupID+"/"+m.UserID] = &m
}

func (f *fakeMembers) GetMemberByUser(_ context.Context, groupID, userID string) (*model.Member, error) {
	return f.members[groupID+"/"+userID], nil
}

type fakeKeyStore struct {
	enabled   []string
	enableErr error
}

func (f *fakeKeyStore) UpsertPublicKey(context.Context, *model.PublicKey) error { return nil }
func (f *fakeKeyStore) GetPublicKey(context.Context, string) (*model.PublicKey, error) {
	return nil, nil
}
func (f *fakeKeyStore) StoreGroupKeys(context.Context, *model.GroupKeyBatch) error { return nil }
func (f *fakeKeyStore) GetWrappedKey(context.Context, string, string) (*model.WrappedGroupKey, error) {
	return nil, nil
}
func (f *fakeKeyStore) EnableEncryption(_ context.Context, groupID string) error {
	if f.enableErr != nil {
		return f.enableErr
	}
	f.enabled = append(f.enabled, groupID)
	return nil
}

type fakeRefresher struct {
	groups []string
}

func (f *fakeRefresher) RefreshGroup(_ context.Context, groupID string) {
	f.groups = append(f.groups, groupID)
}

func enableEncryption(h *KeyHandler, userID string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Post("/groups/{id}/encryption", h.EnableEncryption)
	req := httptest.NewRequest(http.MethodPost, "/groups/g1/encryption", strings.NewReader(`{}`))
	req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestEnableEncryptionRequiresModerator(t *testing.T) {
	members := &fakeMembers{}
	members.add(model.Member{ID: "m-bob", GroupID: "g1", UserID: "u-bob", Name: "bob"})
	members.add(model.Member{ID: "m-dan", GroupID: "g1", UserID: "u-dan", Name: "dan", IsMuted: true})
	keys := &fakeKeyStore{}
	h := NewKeyHandler(keys, members, nil)

	// A plain member, muted or not, cannot flip the group flag.
	for _, userID := range []string{"u-bob", "u-dan"} {
		rec := enableEncryption(h, userID)
		require.Equal(t, http.StatusForbidden, rec.Code, "user %s", userID)

		var resp errorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "admin or owner required", resp.Error)
	}
	assert.Empty(t, keys.enabled, "flag must not be flipped")

	rec := enableEncryption(h, "u-stranger")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, keys.enabled)
}

func TestEnableEncryptionByModerator(t *testing.T) {
	members := &fakeMembers{}
	members.add(model.Member{ID: "m-alice", GroupID: "g1", UserID: "u-alice", Name: "alice", IsOwner: true})
	members.add(model.Member{ID: "m-carl", GroupID: "g1", UserID: "u-carl", Name: "carl", IsAdmin: true})
	keys := &fakeKeyStore{}
	refresher := &fakeRefresher{}
	h := NewKeyHandler(keys, members, refresher)

	for _, userID := range []string{"u-alice", "u-carl"} {
		rec := enableEncryption(h, userID)
		require.Equal(t, http.StatusOK, rec.Code, "user %s", userID)
	}
	assert.Equal(t, []string{"g1", "g1"}, keys.enabled)
	assert.Equal(t, []string{"g1", "g1"}, refresher.groups, "live sessions are refreshed")
}

func TestEnableEncryptionIncompleteKeys(t *testing.T) {
	members := &fakeMembers{}
	members.add(model.Member{ID: "m-alice", GroupID: "g1", UserID: "u-alice", Name: "alice", IsOwner: true})
	keys := &fakeKeyStore{enableErr: repository.ErrKeysIncomplete}
	h := NewKeyHandler(keys, members, &fakeRefresher{})

	rec := enableEncryption(h, "u-alice")
	require.Equal(t, http.StatusConflict, rec.Code)
}
