// Package switcher implements C3: a request/response client over one
// WebSocket to the broadcast switcher. Each exported method blocks its
// caller until the matching response arrives or a per-request timeout
// fires — grounded on matchbox.py's configure_obs_scenes()/
// get_obs_recording_info() call sequences, with request/response
// correlation generalized from the future-keyed-by-id pattern in
// pi-server/relay_server.py (there keyed on HTTP proxy requests, here on
// switcher RPC calls).
package switcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const requestTimeout = 10 * time.Second

var (
	ErrNotConnected = errors.New("switcher: not connected")
	ErrAuthFailed   = errors.New("switcher: authentication failed")
	ErrUnreachable  = errors.New("switcher: unreachable")
	ErrUnknownScene = errors.New("switcher: unknown scene")
)

// envelope is the wire shape of every response: {status, datain, error?}.
type envelope struct {
	MessageID string          `json:"message-id"`
	Status    bool            `json:"status"`
	Datain    json.RawMessage `json:"datain"`
	Error     string          `json:"error"`
}

type request struct {
	RequestType string         `json:"request-type"`
	MessageID   string         `json:"message-id"`
	Data        map[string]any `json:"data,omitempty"`
}

// Client is a single switcher control-socket connection.
type Client struct {
	mu   sync.Mutex
	conn *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	readDone chan struct{}
}

func New() *Client {
	return &Client{pending: make(map[string]chan envelope)}
}

// Connect opens (or reopens) the control socket and authenticates.
// Idempotent: calling it again replaces the prior connection.
func (c *Client) Connect(ctx context.Context, host string, port int, password string) error {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port)}

	dialer := websocket.Dialer{HandshakeTimeout: requestTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return ErrUnreachable
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	if password != "" {
		if _, err := c.call(ctx, "Authenticate", map[string]any{"password": password}); err != nil {
			conn.Close()
			return ErrAuthFailed
		}
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[env.MessageID]
		if ok {
			delete(c.pending, env.MessageID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// call sends one request and blocks for its matching response.
func (c *Client) call(ctx context.Context, requestType string, data map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := request{RequestType: requestType, MessageID: id, Data: data}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("switcher: send %s: %w", requestType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case env := <-ch:
		if !env.Status {
			return nil, fmt.Errorf("switcher: %s failed: %s", requestType, env.Error)
		}
		return env.Datain, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("switcher: %s timed out", requestType)
	}
}

// tryEither attempts primary, falling back to secondary only if primary
// fails. Errors from the first attempt are logged and swallowed only if
// the second attempt is also tried.
func (c *Client) tryEither(ctx context.Context, primary, secondary string, data map[string]any, onFirstFail func(error)) (json.RawMessage, error) {
	out, err := c.call(ctx, primary, data)
	if err == nil {
		return out, nil
	}
	if onFirstFail != nil {
		onFirstFail(err)
	}
	return c.call(ctx, secondary, data)
}

// SwitchScene issues SetCurrentProgramScene.
func (c *Client) SwitchScene(ctx context.Context, name string) error {
	_, err := c.call(ctx, "SetCurrentProgramScene", map[string]any{"scene-name": name})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownScene, err)
	}
	return nil
}

// RecordingInfo is C3's view of the switcher's active recording.
type RecordingInfo struct {
	Path            string
	StartWallclock  time.Time
	DurationMillis  float64
	Timecode        string
}

type sceneListResult struct {
	Scenes []struct {
		Name string `json:"sceneName"`
	} `json:"scenes"`
}

type inputListResult struct {
	Inputs []struct {
		Name string `json:"inputName"`
		Kind string `json:"inputKind"`
	} `json:"inputs"`
}

type sceneItemListResult struct {
	Items []struct {
		SourceName string `json:"sourceName"`
	} `json:"sceneItems"`
}

const overlayName = "FTC Scoring System Overlay"
const overlayKind = "browser_source"

// ConfigureScenes is idempotent scene-graph setup: one scene per field
// 1..N, a single shared overlay source, added to every field scene that
// doesn't already have it.
func (c *Client) ConfigureScenes(ctx context.Context, numFields int, overlayURL string, onWarn func(string)) error {
	if onWarn == nil {
		onWarn = func(string) {}
	}

	scenesRaw, err := c.call(ctx, "GetSceneList", nil)
	if err != nil {
		return err
	}
	var scenes sceneListResult
	if err := json.Unmarshal(scenesRaw, &scenes); err != nil {
		return fmt.Errorf("switcher: parse GetSceneList: %w", err)
	}
	existingScenes := make(map[string]bool, len(scenes.Scenes))
	for _, s := range scenes.Scenes {
		existingScenes[s.Name] = true
	}

	fieldScenes := make([]string, numFields)
	for i := 1; i <= numFields; i++ {
		name := fmt.Sprintf("Field %d", i)
		fieldScenes[i-1] = name
		if existingScenes[name] {
			continue
		}
		if _, err := c.call(ctx, "CreateScene", map[string]any{"sceneName": name}); err != nil {
			return fmt.Errorf("switcher: create scene %q: %w", name, err)
		}
	}

	inputsRaw, err := c.call(ctx, "GetInputList", nil)
	if err != nil {
		return err
	}
	var inputs inputListResult
	if err := json.Unmarshal(inputsRaw, &inputs); err != nil {
		return fmt.Errorf("switcher: parse GetInputList: %w", err)
	}
	overlayExists := false
	for _, in := range inputs.Inputs {
		if in.Name == overlayName {
			overlayExists = true
			break
		}
	}

	overlaySettings := map[string]any{
		"url":                  overlayURL,
		"width":                1920,
		"height":               1080,
		"shutdown":             false,
		"restart_when_active":  false,
		"reroute_audio":        true,
		"monitor_audio":        true,
	}

	if overlayExists {
		if _, err := c.call(ctx, "SetInputSettings", map[string]any{
			"inputName": overlayName,
			"inputSettings": overlaySettings,
		}); err != nil {
			return fmt.Errorf("switcher: update overlay settings: %w", err)
		}
	} else if len(fieldScenes) > 0 {
		data := map[string]any{
			"sceneName":     fieldScenes[0],
			"inputName":     overlayName,
			"inputKind":     overlayKind,
			"inputSettings": overlaySettings,
		}
		_, err := c.tryEither(ctx, "CreateInput", "CreateSource", data, func(err error) {
			onWarn(fmt.Sprintf("switcher: CreateInput failed, trying CreateSource: %v", err))
		})
		if err != nil {
			return fmt.Errorf("switcher: create overlay source: %w", err)
		}
	}

	for _, scene := range fieldScenes {
		itemsRaw, err := c.call(ctx, "GetSceneItemList", map[string]any{"sceneName": scene})
		if err != nil {
			return fmt.Errorf("switcher: list scene items for %q: %w", scene, err)
		}
		var items sceneItemListResult
		if err := json.Unmarshal(itemsRaw, &items); err != nil {
			return fmt.Errorf("switcher: parse scene items for %q: %w", scene, err)
		}
		hasOverlay := false
		for _, it := range items.Items {
			if it.SourceName == overlayName {
				hasOverlay = true
				break
			}
		}
		if hasOverlay {
			continue
		}

		data := map[string]any{"sceneName": scene, "sourceName": overlayName}
		_, err = c.tryEither(ctx, "CreateSceneItem", "AddSceneItem", data, func(err error) {
			onWarn(fmt.Sprintf("switcher: CreateSceneItem failed for %q, trying AddSceneItem: %v", scene, err))
		})
		if err != nil {
			return fmt.Errorf("switcher: add overlay to %q: %w", scene, err)
		}
	}

	return nil
}

type recordStatusResult struct {
	OutputActive bool    `json:"outputActive"`
	OutputPath   string  `json:"outputPath"`
	TimecodeStr  string  `json:"outputTimecode"`
	DurationMs   float64 `json:"outputDuration"`
}

type outputSettingsResult struct {
	OutputSettings struct {
		Path string `json:"path"`
	} `json:"outputSettings"`
}

// GetRecordingInfo computes start_wallclock = now - duration/1000,
// preferring a fresh path from GetOutputSettings("adv_file_output") then
// ("simple_file_output"), falling back to the path reported directly in
// GetRecordStatus.
func (c *Client) GetRecordingInfo(ctx context.Context) (*RecordingInfo, error) {
	raw, err := c.call(ctx, "GetRecordStatus", nil)
	if err != nil {
		return nil, err
	}
	var status recordStatusResult
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("switcher: parse GetRecordStatus: %w", err)
	}
	if !status.OutputActive {
		return nil, nil
	}

	path := status.OutputPath
	for _, kind := range []string{"adv_file_output", "simple_file_output"} {
		outRaw, err := c.call(ctx, "GetOutputSettings", map[string]any{"outputName": kind})
		if err != nil {
			continue
		}
		var out outputSettingsResult
		if err := json.Unmarshal(outRaw, &out); err != nil {
			continue
		}
		if out.OutputSettings.Path != "" {
			path = out.OutputSettings.Path
			break
		}
	}

	start := time.Now().Add(-time.Duration(status.DurationMs) * time.Millisecond)
	return &RecordingInfo{
		Path:           path,
		StartWallclock: start,
		DurationMillis: status.DurationMs,
		Timecode:       status.TimecodeStr,
	}, nil
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
