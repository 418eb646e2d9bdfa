// Package proxy implements C7, the switcher WebSocket proxy: it bridges a
// browser-facing WebSocket connection to the real switcher control socket
// so admin-UI pages can speak the switcher's native protocol without a
// direct network path to it, grounded on websocket_server.py's
// _handle_obs_proxy/client_to_obs/obs_to_client pair.
package proxy

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const controlDeadline = 5 * time.Second

func zeroDeadline() time.Time { return time.Now().Add(controlDeadline) }

// DefaultSubprotocol is used when the browser doesn't request one,
// matching websocket_server.py's default subprotocols=['obswebsocket.json'].
const DefaultSubprotocol = "obswebsocket.json"

// Bridge forwards frames in both directions between a browser connection
// and the switcher until either side closes or errors, then closes the
// other side with a matching close code (4002, per the original's
// "obs connection failed" close reason).
func Bridge(client *websocket.Conn, switcherHost string, switcherPort int, requestedProtocols []string) error {
	protocols := requestedProtocols
	if len(protocols) == 0 {
		protocols = []string{DefaultSubprotocol}
	}

	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = protocols

	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", switcherHost, switcherPort)}
	upstream, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4002, "switcher connection failed"), zeroDeadline())
		return fmt.Errorf("proxy: dialing switcher: %w", err)
	}
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)

	go func() {
		defer wg.Done()
		errs <- pump(client, upstream)
	}()
	go func() {
		defer wg.Done()
		errs <- pump(upstream, client)
	}()

	wg.Wait()
	close(errs)

	var first error
	for e := range errs {
		if e != nil && first == nil {
			first = e
		}
	}
	return first
}

func pump(src, dst *websocket.Conn) error {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(4002, "peer connection closed"), zeroDeadline())
			return err
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return err
		}
	}
}
