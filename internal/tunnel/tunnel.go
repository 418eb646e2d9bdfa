// Package tunnel implements C8, the reverse-tunnel client: it dials out to
// a relay server and multiplexes inbound HTTP and WebSocket traffic back
// to the local admin server, so the venue's web UI stays reachable from
// outside a NATted network. Grounded on web_api/ws_tunnel_client.py,
// translated from asyncio tasks to goroutines.
package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	initialRetryDelay = 5 * time.Second
	maxRetryDelay     = 60 * time.Second
	httpRequestTimeout = 30 * time.Second
)

// Config is the subset of the process configuration the tunnel client
// needs.
type Config struct {
	RelayURL   string
	EventCode  string
	Password   string
	AllowAdmin bool
	AdminHash  string
	AdminSalt  string
	WebPort    int
}

// Client maintains one outbound tunnel connection, reconnecting with
// exponential backoff on failure.
type Client struct {
	cfg    Config
	onLog  func(format string, args ...any)
	client *http.Client

	mu       sync.Mutex
	localWS  map[string]*websocket.Conn
}

func New(cfg Config, onLog func(format string, args ...any)) *Client {
	if onLog == nil {
		onLog = func(string, ...any) {}
	}
	return &Client{
		cfg:     cfg,
		onLog:   onLog,
		client:  &http.Client{Timeout: httpRequestTimeout},
		localWS: make(map[string]*websocket.Conn),
	}
}

// normalizeURL mirrors ws_tunnel_client.py's URL handling: http(s) schemes
// are rewritten to ws(s), a bare host gets a ws:// prefix, and a missing
// "/tunnel" suffix is appended.
func normalizeURL(raw string) string {
	u := raw
	switch {
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://"):
		u = "ws://" + u
	}
	if !strings.HasSuffix(u, "/tunnel") {
		u = strings.TrimSuffix(u, "/") + "/tunnel"
	}
	return u
}

// Run connects and services the tunnel until ctx is cancelled, reconnecting
// with backoff on every disconnect.
func (c *Client) Run(ctx context.Context) {
	delay := initialRetryDelay
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.onLog("tunnel: disconnected: %v, retrying in %s", err, delay)
		} else {
			delay = initialRetryDelay
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

type registerFrame struct {
	Type       string `json:"type"`
	EventCode  string `json:"event_code"`
	Password   string `json:"password"`
	AllowAdmin bool   `json:"allow_admin"`
	AdminHash  string `json:"admin_hash"`
	AdminSalt  string `json:"admin_salt"`
}

type frame struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	// http_request / http_response fields
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`

	// ws_open / ws_data / ws_close fields
	Subprotocols []string `json:"subprotocols,omitempty"`
	Binary       bool     `json:"binary,omitempty"`
	Message      string   `json:"message,omitempty"`
}

func (c *Client) connectOnce(ctx context.Context) error {
	target := normalizeURL(c.cfg.RelayURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	reg := registerFrame{
		Type:       "register",
		EventCode:  c.cfg.EventCode,
		Password:   c.cfg.Password,
		AllowAdmin: c.cfg.AllowAdmin,
		AdminHash:  c.cfg.AdminHash,
		AdminSalt:  c.cfg.AdminSalt,
	}
	if err := conn.WriteJSON(reg); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	var ack struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read registration ack: %w", err)
	}
	if ack.Type == "error" {
		return fmt.Errorf("registration rejected: %s", ack.Message)
	}
	c.onLog("tunnel: registered with relay")

	defer func() {
		c.mu.Lock()
		for id, ws := range c.localWS {
			ws.Close()
			delete(c.localWS, id)
		}
		c.mu.Unlock()
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			// A session that got registered ends with nil, so Run restarts
			// its backoff from the initial delay.
			c.onLog("tunnel: connection lost: %v", err)
			return nil
		}
		switch f.Type {
		case "http_request":
			go c.handleHTTPRequest(conn, f)
		case "ws_open":
			go c.handleWSOpen(ctx, conn, f)
		case "ws_data":
			c.handleWSData(f)
		case "ws_close":
			c.handleWSClose(f)
		}
	}
}

func (c *Client) handleHTTPRequest(conn *websocket.Conn, f frame) {
	body, _ := base64.StdEncoding.DecodeString(f.Body)

	req, err := http.NewRequest(f.Method, fmt.Sprintf("http://127.0.0.1:%d%s", c.cfg.WebPort, f.Path), bytes.NewReader(body))
	if err != nil {
		c.sendHTTPResponse(conn, f.ID, 502, nil, []byte(err.Error()))
		return
	}
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.sendHTTPResponse(conn, f.ID, 502, nil, []byte(err.Error()))
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	c.sendHTTPResponse(conn, f.ID, resp.StatusCode, headers, respBody)
}

func (c *Client) sendHTTPResponse(conn *websocket.Conn, id string, status int, headers map[string]string, body []byte) {
	out := frame{
		Type:    "http_response",
		ID:      id,
		Status:  status,
		Headers: headers,
		Body:    base64.StdEncoding.EncodeToString(body),
	}
	c.writeJSON(conn, out)
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn.WriteJSON(v)
}

func (c *Client) handleWSOpen(ctx context.Context, conn *websocket.Conn, f frame) {
	wsPort := c.cfg.WebPort + 1
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("127.0.0.1:%d", wsPort), Path: f.Path}

	header := make(http.Header)
	for _, p := range f.Subprotocols {
		header.Add("Sec-WebSocket-Protocol", p)
	}

	local, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		c.writeJSON(conn, frame{Type: "ws_error", ID: f.ID, Message: err.Error()})
		return
	}

	c.mu.Lock()
	c.localWS[f.ID] = local
	c.mu.Unlock()

	c.writeJSON(conn, frame{Type: "ws_opened", ID: f.ID})
	c.bridgeLocalWS(conn, f.ID, local)
}

func (c *Client) bridgeLocalWS(conn *websocket.Conn, id string, local *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		delete(c.localWS, id)
		c.mu.Unlock()
		local.Close()
		c.writeJSON(conn, frame{Type: "ws_close", ID: id})
	}()

	for {
		msgType, data, err := local.ReadMessage()
		if err != nil {
			return
		}
		out := frame{Type: "ws_data", ID: id, Binary: msgType == websocket.BinaryMessage}
		if out.Binary {
			out.Message = base64.StdEncoding.EncodeToString(data)
		} else {
			out.Message = string(data)
		}
		c.writeJSON(conn, out)
	}
}

func (c *Client) handleWSData(f frame) {
	c.mu.Lock()
	local, ok := c.localWS[f.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if f.Binary {
		data, err := base64.StdEncoding.DecodeString(f.Message)
		if err != nil {
			return
		}
		local.WriteMessage(websocket.BinaryMessage, data)
		return
	}
	local.WriteMessage(websocket.TextMessage, []byte(f.Message))
}

func (c *Client) handleWSClose(f frame) {
	c.mu.Lock()
	local, ok := c.localWS[f.ID]
	delete(c.localWS, f.ID)
	c.mu.Unlock()
	if ok {
		local.Close()
	}
}
