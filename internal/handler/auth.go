package handler

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/google/uuid"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/middleware"
	"github.com/groupchat/internal/storage"
)

// AuthHandler issues device sessions: an id plus the shared secret the client
// signs every subsequent request with. CreateSession is the only route mounted
// outside the signed group.
type AuthHandler struct {
	store storage.Store
}

func NewAuthHandler(store storage.Store) *AuthHandler {
	return &AuthHandler{store: store}
}

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Secret    string `json:"secret"`
}

func (h *AuthHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		logger.Errorf("createSession rand: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := CreateSessionResponse{
		SessionID: uuid.New().String(),
		UserID:    uuid.New().String(),
		Secret:    base64.StdEncoding.EncodeToString(secret),
	}
	s := storage.Session{UserID: resp.UserID, Secret: resp.Secret}
	if err := h.store.SetSession(r.Context(), resp.SessionID, s); err != nil {
		logger.Errorf("createSession store: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())
	if sessionID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.store.DeleteSession(r.Context(), sessionID); err != nil {
		logger.Errorf("logout session=%s: %v", middleware.MaskSessionID(sessionID), err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
