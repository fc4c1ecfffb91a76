package handler

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/ws"
)

// WSHandler upgrades the realtime channel handshake. Identity comes from the
// room and member query parameters; the hub verifies the membership record and
// rejects over the socket, so a bad member still gets a readable error event.
type WSHandler struct {
	hub            *ws.Hub
	allowedOrigins string
}

// NewWSHandler takes allowedOrigins in the CORS form: comma-separated or "*".
func NewWSHandler(hub *ws.Hub, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("room")
	memberID := r.URL.Query().Get("member")
	if groupID == "" || memberID == "" {
		http.Error(w, "room and member are required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	h.hub.Admit(r.Context(), conn, groupID, ws.Identity{MemberID: memberID})
}
