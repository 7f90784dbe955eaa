package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/taskforge/taskforge/internal/httpapi/middleware"
	"github.com/taskforge/taskforge/internal/httpapi/response"
	"github.com/taskforge/taskforge/internal/live"
)

// Live implements the Live Stream attach endpoint (spec §4.8).
type Live struct {
	Registry *live.Registry
	upgrader websocket.Upgrader
}

// NewLive builds a Live handler bound to registry.
func NewLive(registry *live.Registry) *Live {
	return &Live{
		Registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Task updates carry no cookie-based session, so cross-origin
			// upgrade is safe: the bearer JWT in the query string is the
			// only credential and it is verified before Attach.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach handles GET /live, upgrading to a WebSocket and registering the
// connection under the authenticated user_id. Browsers cannot set an
// Authorization header on the upgrade request, so the token travels as a
// query parameter here rather than through the Auth middleware used by the
// REST routes.
func (h *Live) Attach(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok || userID == "" {
		response.BadRequest(w, "unauthenticated")
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "live: websocket upgrade failed", "error", err)
		return
	}

	conn, detach := h.Registry.Attach(userID, wsConn)
	defer detach()

	stopCh := r.Context().Done()
	live.Serve(userID, conn, wsConn, stopCh)
}
