package live

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Serve runs conn's attach protocol (spec §4.8): it replies to client pings
// with pongs, treats two consecutively missed heartbeats as a dead
// connection, and blocks until the connection closes or stopCh fires. The
// caller is responsible for having already authenticated userID and for
// calling detach when Serve returns.
func Serve(userID string, conn *Connection, wsConn *websocket.Conn, stopCh <-chan struct{}) {
	wsConn.SetReadDeadline(deadlineForMissedHeartbeats())
	wsConn.SetPingHandler(func(string) error {
		wsConn.SetReadDeadline(deadlineForMissedHeartbeats())
		return conn.writeControlPong(deadlineForMissedHeartbeats())
	})

	go func() {
		select {
		case <-stopCh:
			conn.close()
		case <-conn.done:
		}
	}()

	for {
		messageType, payload, err := wsConn.ReadMessage()
		if err != nil {
			slog.Debug("live: read loop ending", "user_id", userID, "error", err)
			conn.close()
			return
		}

		// spec §6's heartbeat is a literal "ping" text frame, not a
		// protocol-level control frame - SetPingHandler above only covers
		// the latter.
		if messageType == websocket.TextMessage && string(payload) == "ping" {
			wsConn.SetReadDeadline(deadlineForMissedHeartbeats())
			if err := conn.writePong(); err != nil {
				slog.Debug("live: pong write failed", "user_id", userID, "error", err)
				conn.close()
				return
			}
		}
	}
}

func deadlineForMissedHeartbeats() time.Time {
	return time.Now().Add(HeartbeatInterval * MissedHeartbeatLimit)
}
