package websocket

import (
	"net/http"
	"strconv"

	ws "github.com/coder/websocket"
)

// HandleWebSocket returns an HTTP handler that upgrades connections to
// WebSocket and streams updates for the account named by the account_id
// query parameter. originPatterns lists the browser origins allowed to
// connect; the request's own host is always allowed.
func HandleWebSocket(hub *Hub, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
		if err != nil || accountID <= 0 {
			http.Error(w, "account_id is required", http.StatusBadRequest)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			hub.logger.Warn("websocket accept", "error", err)
			return
		}

		client := NewClient(hub, conn, accountID)
		client.Run(r.Context())
	}
}
