package gateway

import (
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vikashloomba/mcp-citadel-go/pkg/envelope"
)

// handleWebSocket upgrades the connection and runs the stream protocol over
// text frames, one envelope per message. Backend-initiated notifications are
// pushed over the same socket.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     g.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade rejected", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(envelope.MaxFrameSize)

	var wmu sync.Mutex
	client := newStreamClient(g, "websocket", func(data []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	})
	defer client.close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		client.handleFrame(r.Context(), data)
	}
}

// originAllowed applies the CORS origin list to WebSocket upgrades. Requests
// without an Origin header (non-browser clients) are always allowed.
func (g *Gateway) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
		if ok, err := path.Match(strings.ToLower(allowed), strings.ToLower(origin)); err == nil && ok {
			return true
		}
	}
	return false
}
