// The status/log/switcher-proxy WebSocket endpoints, all served on
// web_port+1, routed by path the way websocket_server.py's single
// _handler dispatches on websocket.path.
package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/frc-matchbox/matchbox/internal/bus"
	"github.com/frc-matchbox/matchbox/internal/proxy"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSRouter(b *bus.Bus, switcherHost string, switcherPort int, onLog func(format string, args ...any)) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/logs", func(w http.ResponseWriter, r *http.Request) { serveLogWS(w, r, b) })
	r.HandleFunc("/ws/status", func(w http.ResponseWriter, r *http.Request) { serveStatusWS(w, r, b) })
	r.HandleFunc("/ws/obs", func(w http.ResponseWriter, r *http.Request) {
		serveOBSProxyWS(w, r, switcherHost, switcherPort, onLog)
	})
	return r
}

func serveLogWS(w http.ResponseWriter, r *http.Request, b *bus.Bus) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := b.SubscribeLogs()
	defer sub.Close()

	for _, rec := range sub.Backlog {
		if err := conn.WriteJSON(rec); err != nil {
			return
		}
	}
	for msg := range sub.Messages {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func serveStatusWS(w http.ResponseWriter, r *http.Request, b *bus.Bus) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := b.SubscribeStatus()
	defer sub.Close()

	if sub.Current != nil {
		if err := conn.WriteMessage(websocket.TextMessage, sub.Current); err != nil {
			return
		}
	}
	for msg := range sub.Messages {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func serveOBSProxyWS(w http.ResponseWriter, r *http.Request, switcherHost string, switcherPort int, onLog func(format string, args ...any)) {
	var requested []string
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		requested = []string{proto}
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	if len(requested) > 0 {
		upgrader.Subprotocols = requested
	}
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer client.Close()

	if err := proxy.Bridge(client, switcherHost, switcherPort, requested); err != nil {
		onLog("wsserver: switcher proxy session ended: %v", err)
	}
}
