package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/middleware"
	"github.com/groupchat/internal/model"
	"github.com/groupchat/internal/repository"
)

// GroupRefresher pushes a reloaded group record into the live realtime
// session after a REST-side flag change.
type GroupRefresher interface {
	RefreshGroup(ctx context.Context, groupID string)
}

// MemberDirectory resolves memberships for authorization checks.
// *repository.GroupRepository satisfies it.
type MemberDirectory interface {
	GetMemberByUser(ctx context.Context, groupID, userID string) (*model.Member, error)
}

// KeyStore is the key-directory persistence surface.
// *repository.KeyRepository satisfies it.
type KeyStore interface {
	UpsertPublicKey(ctx context.Context, k *model.PublicKey) error
	GetPublicKey(ctx context.Context, userID string) (*model.PublicKey, error)
	StoreGroupKeys(ctx context.Context, batch *model.GroupKeyBatch) error
	GetWrappedKey(ctx context.Context, groupID, userID string) (*model.WrappedGroupKey, error)
	EnableEncryption(ctx context.Context, groupID string) error
}

// KeyHandler serves the public-key directory and the wrapped group-key
// distribution. Private keys never appear here; only public points and
// wrapped blobs travel through these routes.
type KeyHandler struct {
	keys      KeyStore
	members   MemberDirectory
	refresher GroupRefresher
}

func NewKeyHandler(keys KeyStore, members MemberDirectory, refresher GroupRefresher) *KeyHandler {
	return &KeyHandler{keys: keys, members: members, refresher: refresher}
}

// PublishPublicKey upserts the caller's directory entry. The key must belong
// to the authenticated account.
func (h *KeyHandler) PublishPublicKey(w http.ResponseWriter, r *http.Request) {
	var req model.PublicKey
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.UserID != middleware.GetUserID(r.Context()) {
		writeError(w, http.StatusForbidden, "can only publish your own key")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil || len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "public_key must be base64")
		return
	}
	req.CreatedAt = time.Now().UTC()
	if err := h.keys.UpsertPublicKey(r.Context(), &req); err != nil {
		logger.Errorf("publishPublicKey user=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to publish key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeyHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	key, err := h.keys.GetPublicKey(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get key")
		return
	}
	if key == nil {
		writeError(w, http.StatusNotFound, "no published key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// StoreGroupKeys accepts the wrapped-key batch of the enablement protocol.
// The whole batch lands in one transaction.
func (h *KeyHandler) StoreGroupKeys(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	var batch model.GroupKeyBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	batch.GroupID = groupID
	if batch.SenderID != middleware.GetUserID(r.Context()) {
		writeError(w, http.StatusForbidden, "sender_id must be your own account")
		return
	}
	if len(batch.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys are required")
		return
	}
	member, err := h.members.GetMemberByUser(r.Context(), groupID, batch.SenderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if member == nil || member.IsBanned {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	if err := h.keys.StoreGroupKeys(r.Context(), &batch); err != nil {
		logger.Errorf("storeGroupKeys group=%s: %v", groupID, err)
		writeError(w, http.StatusInternalServerError, "failed to store keys")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetWrappedKey returns the caller's wrapped group key. Members can only
// fetch their own blob.
func (h *KeyHandler) GetWrappedKey(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userId")
	if userID != middleware.GetUserID(r.Context()) {
		writeError(w, http.StatusForbidden, "can only fetch your own wrapped key")
		return
	}
	key, err := h.keys.GetWrappedKey(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get wrapped key")
		return
	}
	if key == nil {
		writeError(w, http.StatusNotFound, "no wrapped key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type EnableEncryptionRequest struct {
	UserID string `json:"user_id"`
}

// EnableEncryption flips the group flag after the server re-verifies that the
// stored key batch covers every member with a linked account. Only the owner
// or an admin may enable; the flag is monotonic, enabling twice is a no-op.
func (h *KeyHandler) EnableEncryption(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	var req EnableEncryptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if req.UserID != "" && req.UserID != userID {
		writeError(w, http.StatusForbidden, "user_id must be your own account")
		return
	}
	member, err := h.members.GetMemberByUser(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if member == nil || member.IsBanned {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	if !member.CanModerate() {
		writeError(w, http.StatusForbidden, "admin or owner required")
		return
	}

	err = h.keys.EnableEncryption(r.Context(), groupID)
	if errors.Is(err, repository.ErrKeysIncomplete) {
		writeError(w, http.StatusConflict, "wrapped keys missing for some members")
		return
	}
	if err != nil {
		logger.Errorf("enableEncryption group=%s: %v", groupID, err)
		writeError(w, http.StatusInternalServerError, "failed to enable encryption")
		return
	}

	if h.refresher != nil {
		h.refresher.RefreshGroup(r.Context(), groupID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
