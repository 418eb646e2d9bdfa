// Package relay implements C9, the relay server: a multi-tenant public
// endpoint that accepts one reverse tunnel per event code and proxies
// browser HTTP/WebSocket traffic through it. Grounded on
// pi-server/relay_server.py, translated from asyncio/aiohttp to
// net/http + gorilla/websocket with goroutines and channels in place of
// asyncio.Future.
package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	registrationTimeout = 10 * time.Second
	proxyTimeout        = 30 * time.Second
	replacedCloseCode   = 4010
	replacedCloseReason = "Replaced by new connection"
)

var hopByHopInbound = map[string]bool{
	"host": true, "connection": true, "upgrade": true, "transfer-encoding": true,
}

var hopByHopOutbound = map[string]bool{
	"transfer-encoding": true, "content-length": true, "connection": true,
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pendingHTTP is a single in-flight proxied HTTP request awaiting its
// http_response frame, the Go equivalent of relay_server.py's
// asyncio.Future entries in TunnelInstance.pending_http.
type pendingHTTP struct {
	done chan httpResponseFrame
}

// TunnelInstance is one connected daemon's tunnel, keyed by event code.
type TunnelInstance struct {
	conn        *websocket.Conn
	eventCode   string
	instanceID  string
	connectedAt time.Time

	mu             sync.Mutex
	pending        map[string]*pendingHTTP
	browserWS      map[string]*websocket.Conn
	writeMu        sync.Mutex
}

func (t *TunnelInstance) writeJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *TunnelInstance) closeAll(code int, reason string) {
	t.mu.Lock()
	pendings := make([]*pendingHTTP, 0, len(t.pending))
	for _, p := range t.pending {
		pendings = append(pendings, p)
	}
	t.pending = make(map[string]*pendingHTTP)

	browsers := make([]*websocket.Conn, 0, len(t.browserWS))
	for _, ws := range t.browserWS {
		browsers = append(browsers, ws)
	}
	t.browserWS = make(map[string]*websocket.Conn)
	t.mu.Unlock()

	for _, p := range pendings {
		close(p.done)
	}
	for _, ws := range browsers {
		ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
		ws.Close()
	}
	t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
	t.conn.Close()
}

// Server is the relay's process-wide state: one TunnelInstance per event
// code.
type Server struct {
	Token    string
	BasePath string

	mu        sync.Mutex
	instances map[string]*TunnelInstance // keyed by event code (== instance id)
}

func New(token, basePath string) *Server {
	return &Server{Token: token, BasePath: basePath, instances: make(map[string]*TunnelInstance)}
}

// Router builds the mux for GET /, GET /tunnel, and * /{instanceID}/{path...},
// all mounted under BasePath when it is set.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/tunnel", s.handleTunnelWS).Methods(http.MethodGet)
	r.PathPrefix("/{instanceID}/").HandlerFunc(s.handleProxy)

	base := strings.TrimRight(s.BasePath, "/")
	if base == "" {
		return r
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	outer := mux.NewRouter()
	outer.PathPrefix(base + "/").Handler(http.StripPrefix(base, r))
	return outer
}

type registerFrame struct {
	Type       string `json:"type"`
	Token      string `json:"token"`
	EventCode  string `json:"event_code"`
	Password   string `json:"password"`
	AllowAdmin bool   `json:"allow_admin"`
	AdminHash  string `json:"admin_hash"`
	AdminSalt  string `json:"admin_salt"`
}

func (s *Server) handleTunnelWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	var reg registerFrame
	if err := conn.ReadJSON(&reg); err != nil {
		conn.WriteJSON(map[string]string{"type": "error", "message": "registration timed out or malformed"})
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if reg.Type != "register" || reg.Token != s.Token {
		conn.WriteJSON(map[string]string{"type": "error", "message": "invalid token"})
		conn.Close()
		return
	}

	eventCode := reg.EventCode
	if eventCode == "" {
		eventCode = "default"
	}
	instanceID := eventCode

	s.mu.Lock()
	old, existed := s.instances[eventCode]
	s.mu.Unlock()

	if existed {
		old.closeAll(replacedCloseCode, replacedCloseReason)
	}

	inst := &TunnelInstance{
		conn:        conn,
		eventCode:   eventCode,
		instanceID:  instanceID,
		connectedAt: time.Now(),
		pending:     make(map[string]*pendingHTTP),
		browserWS:   make(map[string]*websocket.Conn),
	}
	s.mu.Lock()
	s.instances[eventCode] = inst
	s.mu.Unlock()

	if err := conn.WriteJSON(map[string]string{"type": "registered", "instance_id": instanceID}); err != nil {
		return
	}

	s.serveTunnel(inst)
}

type httpResponseFrame struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type wsEventFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Binary  bool   `json:"binary"`
	Message string `json:"message"`
}

func (s *Server) serveTunnel(inst *TunnelInstance) {
	defer func() {
		s.mu.Lock()
		if s.instances[inst.eventCode] == inst {
			delete(s.instances, inst.eventCode)
		}
		s.mu.Unlock()
		inst.closeAll(websocket.CloseNormalClosure, "tunnel closed")
	}()

	for {
		var env struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		raw := json.RawMessage{}
		_, data, err := inst.conn.ReadMessage()
		if err != nil {
			return
		}
		raw = data
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Type {
		case "http_response":
			var resp httpResponseFrame
			json.Unmarshal(raw, &resp)
			inst.mu.Lock()
			p, ok := inst.pending[env.ID]
			if ok {
				delete(inst.pending, env.ID)
			}
			inst.mu.Unlock()
			if ok {
				p.done <- resp
			}
		case "ws_opened", "ws_error", "ws_data", "ws_close":
			var ev wsEventFrame
			json.Unmarshal(raw, &ev)
			s.routeToBrowser(inst, ev)
		}
	}
}

func (s *Server) routeToBrowser(inst *TunnelInstance, ev wsEventFrame) {
	inst.mu.Lock()
	ws, ok := inst.browserWS[ev.ID]
	inst.mu.Unlock()
	if !ok {
		return
	}
	switch ev.Type {
	case "ws_error", "ws_close":
		ws.Close()
		inst.mu.Lock()
		delete(inst.browserWS, ev.ID)
		inst.mu.Unlock()
	case "ws_data":
		if ev.Binary {
			data, err := base64.StdEncoding.DecodeString(ev.Message)
			if err == nil {
				ws.WriteMessage(websocket.BinaryMessage, data)
			}
		} else {
			ws.WriteMessage(websocket.TextMessage, []byte(ev.Message))
		}
	}
}

// handleProxy implements both the HTTP-proxy and the WebSocket-upgrade
// path for */{instanceID}/{path...}, matching main()'s single catch-all
// route.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	instanceID := vars["instanceID"]

	s.mu.Lock()
	var inst *TunnelInstance
	for _, i := range s.instances {
		if i.instanceID == instanceID {
			inst = i
			break
		}
	}
	s.mu.Unlock()

	if inst == nil {
		http.Error(w, "no such tunnel instance", http.StatusNotFound)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/"+instanceID)
	if path == "" {
		path = "/"
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.proxyWS(w, r, inst, path)
		return
	}
	s.proxyHTTP(w, r, inst, path)
}

func (s *Server) proxyHTTP(w http.ResponseWriter, r *http.Request, inst *TunnelInstance, path string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read request body", http.StatusBadGateway)
		return
	}

	headers := make(map[string]string)
	for k := range r.Header {
		if hopByHopInbound[strings.ToLower(k)] {
			continue
		}
		headers[k] = r.Header.Get(k)
	}

	id := uuid.NewString()
	p := &pendingHTTP{done: make(chan httpResponseFrame, 1)}
	inst.mu.Lock()
	inst.pending[id] = p
	inst.mu.Unlock()

	req := map[string]any{
		"type":    "http_request",
		"id":      id,
		"method":  r.Method,
		"path":    path + requestQuery(r),
		"headers": headers,
		"body":    base64.StdEncoding.EncodeToString(body),
	}

	if err := inst.writeJSON(req); err != nil {
		inst.mu.Lock()
		delete(inst.pending, id)
		inst.mu.Unlock()
		http.Error(w, "tunnel write failed", http.StatusBadGateway)
		return
	}

	select {
	case resp, ok := <-p.done:
		if !ok {
			http.Error(w, "tunnel closed", http.StatusBadGateway)
			return
		}
		respBody, _ := base64.StdEncoding.DecodeString(resp.Body)
		for k, v := range resp.Headers {
			if hopByHopOutbound[strings.ToLower(k)] {
				continue
			}
			w.Header().Set(k, v)
		}
		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		w.Write(respBody)
	case <-time.After(proxyTimeout):
		inst.mu.Lock()
		delete(inst.pending, id)
		inst.mu.Unlock()
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}
}

func requestQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

func (s *Server) proxyWS(w http.ResponseWriter, r *http.Request, inst *TunnelInstance, path string) {
	var subprotocols []string
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		subprotocols = strings.Split(proto, ",")
		for i := range subprotocols {
			subprotocols[i] = strings.TrimSpace(subprotocols[i])
		}
	}

	u := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	if len(subprotocols) > 0 {
		u.Subprotocols = subprotocols
	}

	ws, err := u.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	inst.mu.Lock()
	inst.browserWS[id] = ws
	inst.mu.Unlock()

	if err := inst.writeJSON(map[string]any{
		"type": "ws_open", "id": id, "path": path, "subprotocols": subprotocols,
	}); err != nil {
		ws.Close()
		return
	}

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		frame := map[string]any{"type": "ws_data", "id": id, "binary": msgType == websocket.BinaryMessage}
		if msgType == websocket.BinaryMessage {
			frame["message"] = base64.StdEncoding.EncodeToString(data)
		} else {
			frame["message"] = string(data)
		}
		if err := inst.writeJSON(frame); err != nil {
			break
		}
	}

	inst.mu.Lock()
	delete(inst.browserWS, id)
	inst.mu.Unlock()
	inst.writeJSON(map[string]any{"type": "ws_close", "id": id})
}

// handleDashboard renders a minimal status page listing connected
// instances with their uptime, matching handle_dashboard's inline
// template and 10-second auto-refresh.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rows := make([]string, 0, len(s.instances))
	for code, inst := range s.instances {
		rows = append(rows, fmt.Sprintf("<tr><td>%s</td><td>%s</td><td>%s</td></tr>",
			htmlEscape(code), htmlEscape(inst.instanceID), formatUptime(time.Since(inst.connectedAt))))
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
<title>MatchBox Relay</title>
<script>setTimeout(() => location.reload(), 10000);</script>
<style>body{font-family:sans-serif;margin:2em} table{border-collapse:collapse} td,th{padding:4px 12px;border:1px solid #ccc}</style>
</head>
<body>
<h1>MatchBox Relay</h1>
<table><tr><th>Event</th><th>Instance</th><th>Uptime</th></tr>%s</table>
</body>
</html>`, strings.Join(rows, ""))
}

func formatUptime(d time.Duration) string {
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
