package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/groupchat/internal/middleware"
	"github.com/groupchat/internal/model"
)

// MessageReader pages through a group's transcript.
// *repository.MessageRepository satisfies it.
type MessageReader interface {
	History(ctx context.Context, groupID string, limit int, before time.Time) ([]model.Message, error)
}

// PinReader lists a group's pinned messages.
// *repository.PinnedRepository satisfies it.
type PinReader interface {
	GetByGroup(ctx context.Context, groupID string) ([]model.PinnedMessage, error)
}

type MessageHandler struct {
	messages MessageReader
	pins     PinReader
	members  MemberDirectory
}

func NewMessageHandler(messages MessageReader, pins PinReader, members MemberDirectory) *MessageHandler {
	return &MessageHandler{messages: messages, pins: pins, members: members}
}

// requireMember resolves the caller's membership; the transcript is only
// readable by members of record. Writes the error response itself.
func (h *MessageHandler) requireMember(w http.ResponseWriter, r *http.Request, groupID string) bool {
	userID := middleware.GetUserID(r.Context())
	member, err := h.members.GetMemberByUser(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return false
	}
	if member == nil || member.IsBanned {
		writeError(w, http.StatusForbidden, "not a member")
		return false
	}
	return true
}

// History returns a group's messages oldest first, with reactions and read
// receipts attached. before pages backwards through older messages.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	if !h.requireMember(w, r, groupID) {
		return
	}
	limit := queryInt(r, "limit", 50)

	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be RFC3339")
			return
		}
		before = t
	}

	messages, err := h.messages.History(r.Context(), groupID, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *MessageHandler) Pinned(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	if !h.requireMember(w, r, groupID) {
		return
	}
	pins, err := h.pins.GetByGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get pinned messages")
		return
	}
	if pins == nil {
		pins = []model.PinnedMessage{}
	}
	writeJSON(w, http.StatusOK, pins)
}
