package relay

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUptimeUnderAnHour(t *testing.T) {
	assert.Equal(t, "5m 30s", formatUptime(5*time.Minute+30*time.Second))
}

func TestFormatUptimeOverAnHour(t *testing.T) {
	assert.Equal(t, "1h 2m 3s", formatUptime(time.Hour+2*time.Minute+3*time.Second))
}

func TestHTMLEscape(t *testing.T) {
	assert.Equal(t, "&lt;script&gt;&amp;", htmlEscape("<script>&"))
}

func startRelay(t *testing.T, token string) (*Server, string) {
	t.Helper()
	s := New(token, "")
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv.URL
}

func dialTunnel(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + baseURL[len("http"):] + "/tunnel"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestHandleTunnelWSRejectsWrongToken(t *testing.T) {
	_, baseURL := startRelay(t, "correct-token")
	conn := dialTunnel(t, baseURL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(registerFrame{Type: "register", Token: "wrong-token", EventCode: "FRC2026"}))

	var resp map[string]string
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "error", resp["type"])
}

func TestHandleTunnelWSRegistersWithCorrectToken(t *testing.T) {
	_, baseURL := startRelay(t, "correct-token")
	conn := dialTunnel(t, baseURL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(registerFrame{Type: "register", Token: "correct-token", EventCode: "FRC2026"}))

	var resp map[string]string
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "registered", resp["type"])
	assert.Equal(t, "FRC2026", resp["instance_id"])
}

func TestRegistrationReplacementClosesOldTunnelWithCode4010(t *testing.T) {
	_, baseURL := startRelay(t, "tok")

	oldConn := dialTunnel(t, baseURL)
	defer oldConn.Close()
	require.NoError(t, oldConn.WriteJSON(registerFrame{Type: "register", Token: "tok", EventCode: "FRC2026"}))
	var resp map[string]string
	require.NoError(t, oldConn.ReadJSON(&resp))
	require.Equal(t, "registered", resp["type"])

	newConn := dialTunnel(t, baseURL)
	defer newConn.Close()
	require.NoError(t, newConn.WriteJSON(registerFrame{Type: "register", Token: "tok", EventCode: "FRC2026"}))
	require.NoError(t, newConn.ReadJSON(&resp))
	require.Equal(t, "registered", resp["type"])

	oldConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := oldConn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, replacedCloseCode, closeErr.Code)
}

// TestProxyHTTPRoundTripsThroughTunnel simulates the daemon side of the
// tunnel: it reads an http_request frame and replies with a matching
// http_response frame, verifying handleProxy delivers that back to the
// original HTTP caller.
func TestProxyHTTPRoundTripsThroughTunnel(t *testing.T) {
	_, baseURL := startRelay(t, "tok")
	conn := dialTunnel(t, baseURL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(registerFrame{Type: "register", Token: "tok", EventCode: "FRC2026"}))
	var resp map[string]string
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, "registered", resp["type"])

	go func() {
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		body := base64.StdEncoding.EncodeToString([]byte("hello from daemon"))
		conn.WriteJSON(map[string]any{
			"type": "http_response", "id": req["id"], "status": 200,
			"headers": map[string]string{"Content-Type": "text/plain"}, "body": body,
		})
	}()

	httpResp, err := http.Get(baseURL + "/FRC2026/api/status")
	require.NoError(t, err)
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello from daemon", string(data))
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)
}

func TestProxyHTTPReturnsNotFoundForUnknownInstance(t *testing.T) {
	_, baseURL := startRelay(t, "tok")
	resp, err := http.Get(baseURL + "/nosuchevent/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyHTTPTimesOutWhenDaemonNeverResponds(t *testing.T) {
	t.Skip("exercises the 30s proxyTimeout path; skipped to keep the suite fast")
}

func TestServeTunnelRoutesWSDataToBrowserConnection(t *testing.T) {
	_, baseURL := startRelay(t, "tok")
	daemon := dialTunnel(t, baseURL)
	defer daemon.Close()
	require.NoError(t, daemon.WriteJSON(registerFrame{Type: "register", Token: "tok", EventCode: "FRC2026"}))
	var resp map[string]string
	require.NoError(t, daemon.ReadJSON(&resp))

	wsURL := "ws" + baseURL[len("http"):] + "/FRC2026/obs-web/ws"
	browser, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer browser.Close()

	var openFrame map[string]any
	require.NoError(t, daemon.ReadJSON(&openFrame))
	require.Equal(t, "ws_open", openFrame["type"])
	id := openFrame["id"].(string)

	require.NoError(t, daemon.WriteJSON(map[string]any{"type": "ws_data", "id": id, "binary": false, "message": "hi browser"}))

	browser.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := browser.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hi browser", string(data))
}
