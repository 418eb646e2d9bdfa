// Package orchestrator implements C4, the event orchestrator: it consumes
// the scoring system's upstream WebSocket event stream, drives C3 to
// follow the active field, and schedules C1 clip extractions timed off
// C2/C3's recording state. Grounded on monitor_ftc_websocket()'s
// connect/drain/consume structure.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gorilla/websocket"

	"github.com/frc-matchbox/matchbox/internal/clipper"
	"github.com/frc-matchbox/matchbox/internal/recmon"
	"github.com/frc-matchbox/matchbox/internal/switcher"
	"github.com/frc-matchbox/matchbox/internal/workerpool"
)

// State is the orchestrator's per-run lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateDraining
	StateRunning
	StateReconnecting
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateDraining:
		return "draining"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	drainWindow       = 5 * time.Second
	clipSafetyMargin  = 8 * time.Second
	reconnectMinDelay = 2 * time.Second
	reconnectMaxDelay = 30 * time.Second
)

// Config is the subset of process configuration the orchestrator needs.
type Config struct {
	ScoringHost            string
	ScoringPort            int
	EventCode              string
	FieldSceneMapping      map[int]string
	ClipsDir               string
	PreMatchBufferSeconds  int
	PostMatchBufferSeconds int
	MatchDurationSeconds   int
}

// Orchestrator drives one event's match-to-clip pipeline.
type Orchestrator struct {
	cfg       Config
	switcher  *switcher.Client
	monitor   *recmon.Monitor
	extractor *clipper.Extractor
	pool      *workerpool.Pool
	scheduler gocron.Scheduler

	onLog         func(format string, args ...any)
	onIndexUpdate func()

	mu           sync.Mutex
	state        State
	currentField int
	clipNames    map[string]bool // filenames already produced, for collision resolution
}

func New(cfg Config, sw *switcher.Client, monitor *recmon.Monitor, extractor *clipper.Extractor, pool *workerpool.Pool, onLog func(format string, args ...any), onIndexUpdate func()) (*Orchestrator, error) {
	if onLog == nil {
		onLog = func(string, ...any) {}
	}
	if onIndexUpdate == nil {
		onIndexUpdate = func() {}
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: creating scheduler: %w", err)
	}
	return &Orchestrator{
		cfg: cfg, switcher: sw, monitor: monitor, extractor: extractor, pool: pool,
		scheduler: scheduler, onLog: onLog, onIndexUpdate: onIndexUpdate,
		clipNames: make(map[string]bool),
	}, nil
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) CurrentField() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentField
}

// IsRecording reports whether C2 currently sees growth on the last known
// recording file, for status snapshots.
func (o *Orchestrator) IsRecording() bool {
	return o.monitor.IsRecording()
}

// Run connects to the upstream scoring stream and drives the state
// machine until ctx is cancelled, reconnecting with bounded backoff on
// upstream connection loss.
func (o *Orchestrator) Run(ctx context.Context) {
	o.scheduler.Start()
	// The scheduler is left running when Run returns, so clip jobs that are
	// already scheduled still fire and finish after a stop.

	delay := reconnectMinDelay
	for {
		if ctx.Err() != nil {
			o.setState(StateStopping)
			return
		}

		o.setState(StateConnecting)
		err := o.runOnce(ctx)
		if ctx.Err() != nil {
			o.setState(StateStopping)
			return
		}
		if err != nil {
			o.onLog("orchestrator: upstream connection lost: %v", err)
		}

		o.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			o.setState(StateStopping)
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context) error {
	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", o.cfg.ScoringHost, o.cfg.ScoringPort),
		Path:     "/stream/display/command/",
		RawQuery: "code=" + url.QueryEscape(o.cfg.EventCode),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	o.setState(StateDraining)
	o.drain(ctx, conn)

	o.setState(StateRunning)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		o.handleEvent(ctx, data)
	}
}

// drain discards all inbound messages for a fixed window after connect,
// using a non-blocking, per-read-timeout loop rather than one long
// timed recv, so ctx cancellation is honored promptly.
func (o *Orchestrator) drain(ctx context.Context, conn *websocket.Conn) {
	deadline := time.Now().Add(drainWindow)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(minDuration(remaining, 500*time.Millisecond)))
		_, _, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

type upstreamEvent struct {
	Type   string         `json:"type"`
	Field  string         `json:"field"`
	Params map[string]any `json:"params"`
}

func (e upstreamEvent) fieldNumber() (int, bool) {
	raw := e.Field
	if raw == "" && e.Params != nil {
		if v, ok := e.Params["field"]; ok {
			raw = fmt.Sprint(v)
		}
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func (o *Orchestrator) handleEvent(ctx context.Context, data []byte) {
	var ev upstreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		o.onLog("orchestrator: malformed event: %v", err)
		return
	}

	switch ev.Type {
	case "SHOW_PREVIEW", "SHOW_MATCH":
		o.handleFieldDirective(ctx, ev)
	case "START_MATCH":
		o.handleStartMatch(ev)
	default:
		o.onLog("orchestrator: ignoring event type %q", ev.Type)
	}
}

func (o *Orchestrator) handleFieldDirective(ctx context.Context, ev upstreamEvent) {
	field, ok := ev.fieldNumber()
	if !ok {
		return
	}
	if field == o.CurrentField() {
		return
	}
	scene, ok := o.cfg.FieldSceneMapping[field]
	if !ok {
		return
	}
	if err := o.switcher.SwitchScene(ctx, scene); err != nil {
		o.onLog("orchestrator: switch to field %d scene %q failed: %v", field, scene, err)
		return
	}
	o.mu.Lock()
	o.currentField = field
	o.mu.Unlock()
}

func (o *Orchestrator) handleStartMatch(ev upstreamEvent) {
	matchName := strings.TrimSpace(fmt.Sprint(ev.Params["matchName"]))
	fieldNumber, _ := ev.fieldNumber()
	if fieldNumber == 0 {
		fieldNumber = o.CurrentField()
	}

	startTimestamp := time.Now()
	matchDuration := time.Duration(o.cfg.MatchDurationSeconds) * time.Second
	postBuffer := time.Duration(o.cfg.PostMatchBufferSeconds) * time.Second
	fireAt := startTimestamp.Add(matchDuration).Add(postBuffer).Add(clipSafetyMargin)

	_, err := o.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(fireAt)),
		gocron.NewTask(func() {
			o.fireClipJob(matchName, fieldNumber, startTimestamp)
		}),
	)
	if err != nil {
		o.onLog("orchestrator: could not schedule clip job for %q: %v", matchName, err)
	}
}

// fireClipJob fetches fresh recording info at fire time, never cached
// from schedule time, so an operator restarting the recording between
// matches is handled correctly.
func (o *Orchestrator) fireClipJob(matchName string, fieldNumber int, wallclockStart time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := o.switcher.GetRecordingInfo(ctx)
	if err != nil {
		o.onLog("orchestrator: clip job %q: could not get recording info: %v", matchName, err)
		return
	}
	if info == nil {
		o.onLog("orchestrator: clip job %q: no active recording, skipping", matchName)
		return
	}
	o.monitor.SetPath(info.Path)

	preBuffer := time.Duration(o.cfg.PreMatchBufferSeconds) * time.Second
	postBuffer := time.Duration(o.cfg.PostMatchBufferSeconds) * time.Second
	matchDuration := time.Duration(o.cfg.MatchDurationSeconds) * time.Second

	offset := wallclockStart.Sub(info.StartWallclock)
	if offset < 0 {
		offset = 0
	}
	clipStart := offset - preBuffer
	if clipStart < 0 {
		clipStart = 0
	}
	clipDuration := preBuffer + matchDuration + postBuffer

	outputPath := o.reserveClipName(matchName, fieldNumber, wallclockStart)

	err = o.pool.Do(ctx, func() error {
		return o.extractor.Extract(ctx, clipper.Options{
			SourcePath:      info.Path,
			StartSeconds:    clipStart.Seconds(),
			DurationSeconds: clipDuration.Seconds(),
			OutputPath:      outputPath,
		})
	})
	if err != nil {
		o.onLog("orchestrator: clip job %q failed: %v", matchName, err)
		return
	}

	o.onIndexUpdate()
}

// reserveClipName generates "{match} - Field {n} - YYYYMMDD HHMMSS.mp4",
// resolving collisions by appending "_1", "_2", ...
func (o *Orchestrator) reserveClipName(matchName string, fieldNumber int, when time.Time) string {
	base := fmt.Sprintf("%s - Field %d - %s", matchName, fieldNumber, when.Format("20060102 150405"))

	o.mu.Lock()
	defer o.mu.Unlock()

	name := base + ".mp4"
	for i := 1; o.clipNames[name]; i++ {
		name = fmt.Sprintf("%s_%d.mp4", base, i)
	}
	o.clipNames[name] = true
	return filepath.Join(o.cfg.ClipsDir, name)
}

// EnsureClipsDir creates the clips directory if it doesn't exist. The
// clips directory is created lazily and never deleted by the daemon.
func EnsureClipsDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
