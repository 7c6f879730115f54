package receiver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handlePnLSocket streams P&L events for one parent order id over a
// websocket. The subscription lives exactly as long as the connection.
func (r *HTTPReceiver) handlePnLSocket(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimPrefix(req.URL.Path, "/ws/pnl/")
	id = strings.TrimSuffix(id, "/")
	if id == "" {
		r.sendError(w, http.StatusBadRequest, "parent_order_id is required")
		return
	}
	if _, ok := r.store.Get(id); !ok {
		r.sendError(w, http.StatusNotFound, "Bracket not found")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("[RECEIVER] Websocket upgrade failed", "error", err)
		return
	}

	events, cancel := r.pubsub.Subscribe(id)
	r.logger.Info("[RECEIVER] P&L socket connected", "parent_order_id", id, "remote", req.RemoteAddr)

	// Read loop: only there to notice the peer going away.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
		r.logger.Info("[RECEIVER] P&L socket disconnected", "parent_order_id", id)
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-disconnected:
			return
		case <-req.Context().Done():
			return
		}
	}
}
