package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frc-matchbox/matchbox/internal/clipper"
	"github.com/frc-matchbox/matchbox/internal/recmon"
	"github.com/frc-matchbox/matchbox/internal/switcher"
	"github.com/frc-matchbox/matchbox/internal/workerpool"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "stopping", StateStopping.String())
}

func TestUpstreamEventFieldNumberFromFieldAttribute(t *testing.T) {
	ev := upstreamEvent{Field: "2"}
	n, ok := ev.fieldNumber()
	assert.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestUpstreamEventFieldNumberFromParams(t *testing.T) {
	ev := upstreamEvent{Params: map[string]any{"field": float64(3)}}
	n, ok := ev.fieldNumber()
	assert.True(t, ok)
	assert.Equal(t, 3, n)
}

func TestUpstreamEventFieldNumberMissing(t *testing.T) {
	ev := upstreamEvent{}
	_, ok := ev.fieldNumber()
	assert.False(t, ok)
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		FieldSceneMapping:      map[int]string{1: "Field 1", 2: "Field 2"},
		ClipsDir:               t.TempDir(),
		PreMatchBufferSeconds:  2,
		PostMatchBufferSeconds: 2,
		MatchDurationSeconds:   10,
	}, switcher.New(), recmon.New(nil, nil), clipper.New(nil), workerpool.New(1), nil, nil)
	require.NoError(t, err)
	return o
}

func TestReserveClipNameResolvesCollisions(t *testing.T) {
	o := newTestOrchestrator(t)
	when := time.Date(2026, 7, 30, 14, 5, 0, 0, time.UTC)

	first := o.reserveClipName("Q42", 1, when)
	second := o.reserveClipName("Q42", 1, when)
	third := o.reserveClipName("Q42", 1, when)

	assert.Equal(t, filepath.Join(o.cfg.ClipsDir, "Q42 - Field 1 - 20260730 140500.mp4"), first)
	assert.Equal(t, filepath.Join(o.cfg.ClipsDir, "Q42 - Field 1 - 20260730 140500_1.mp4"), second)
	assert.Equal(t, filepath.Join(o.cfg.ClipsDir, "Q42 - Field 1 - 20260730 140500_2.mp4"), third)
}

func TestEnsureClipsDirCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "clips", "EVENT1")
	require.NoError(t, EnsureClipsDir(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

// fakeSwitcherServer answers GetSceneList-independent switcher RPCs used by
// handleFieldDirective/fireClipJob: SetCurrentProgramScene and
// GetRecordStatus/GetOutputSettings.
type fakeSwitcherServer struct {
	sceneOK    bool
	active     bool
	durationMs float64
	path       string
}

func (f *fakeSwitcherServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			RequestType string         `json:"request-type"`
			MessageID   string         `json:"message-id"`
			Data        map[string]any `json:"data"`
		}
		json.Unmarshal(data, &req)

		status := true
		datain := map[string]any{}
		switch req.RequestType {
		case "SetCurrentProgramScene":
			status = f.sceneOK
		case "GetRecordStatus":
			datain = map[string]any{
				"outputActive":   f.active,
				"outputPath":     f.path,
				"outputDuration": f.durationMs,
			}
		case "GetOutputSettings":
			status = false
		}
		datainRaw, _ := json.Marshal(datain)
		env := struct {
			MessageID string          `json:"message-id"`
			Status    bool            `json:"status"`
			Datain    json.RawMessage `json:"datain"`
		}{req.MessageID, status, datainRaw}
		payload, _ := json.Marshal(env)
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func connectToFakeSwitcher(t *testing.T, f *fakeSwitcherServer) *switcher.Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	c := switcher.New()
	require.NoError(t, c.Connect(context.Background(), u.Hostname(), port, ""))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHandleFieldDirectiveUpdatesCurrentFieldOnSuccess(t *testing.T) {
	sw := connectToFakeSwitcher(t, &fakeSwitcherServer{sceneOK: true})
	o, err := New(Config{FieldSceneMapping: map[int]string{1: "Field 1"}, ClipsDir: t.TempDir()},
		sw, recmon.New(nil, nil), clipper.New(nil), workerpool.New(1), nil, nil)
	require.NoError(t, err)

	o.handleFieldDirective(context.Background(), upstreamEvent{Type: "SHOW_MATCH", Field: "1"})
	assert.Equal(t, 1, o.CurrentField())
}

func TestHandleFieldDirectiveLeavesCurrentFieldOnFailure(t *testing.T) {
	sw := connectToFakeSwitcher(t, &fakeSwitcherServer{sceneOK: false})
	o, err := New(Config{FieldSceneMapping: map[int]string{1: "Field 1"}, ClipsDir: t.TempDir()},
		sw, recmon.New(nil, nil), clipper.New(nil), workerpool.New(1), nil, nil)
	require.NoError(t, err)

	o.handleFieldDirective(context.Background(), upstreamEvent{Type: "SHOW_MATCH", Field: "1"})
	assert.Equal(t, 0, o.CurrentField())
}

func TestHandleFieldDirectiveIgnoresUnmappedField(t *testing.T) {
	sw := connectToFakeSwitcher(t, &fakeSwitcherServer{sceneOK: true})
	o, err := New(Config{FieldSceneMapping: map[int]string{1: "Field 1"}, ClipsDir: t.TempDir()},
		sw, recmon.New(nil, nil), clipper.New(nil), workerpool.New(1), nil, nil)
	require.NoError(t, err)

	o.handleFieldDirective(context.Background(), upstreamEvent{Type: "SHOW_MATCH", Field: "9"})
	assert.Equal(t, 0, o.CurrentField())
}

// TestFireClipJobComputesOffsetsAndExtracts exercises the full ClipJob
// algorithm against a fake switcher and a fake ffmpeg, confirming a clip
// file lands under ClipsDir.
func TestFireClipJobComputesOffsetsAndExtracts(t *testing.T) {
	recordingStart := time.Now().Add(-20 * time.Second)
	sourcePath := filepath.Join(t.TempDir(), "source.mp4")
	require.NoError(t, os.WriteFile(sourcePath, []byte("source"), 0o644))

	sw := connectToFakeSwitcher(t, &fakeSwitcherServer{
		active:     true,
		durationMs: float64(time.Since(recordingStart).Milliseconds()),
		path:       sourcePath,
	})

	encoderDir := t.TempDir()
	encoderPath := filepath.Join(encoderDir, "fake-ffmpeg")
	require.NoError(t, os.WriteFile(encoderPath, []byte("#!/bin/sh\neval out=\\${$#}\ntouch \"$out\"\nexit 0\n"), 0o755))

	indexUpdated := false
	o, err := New(Config{
		ClipsDir: t.TempDir(), PreMatchBufferSeconds: 1, PostMatchBufferSeconds: 1, MatchDurationSeconds: 10,
	}, sw, recmon.New(nil, nil), clipper.New(func() (string, error) { return encoderPath, nil }), workerpool.New(1),
		nil, func() { indexUpdated = true })
	require.NoError(t, err)

	o.fireClipJob("Q1", 1, recordingStart.Add(10*time.Second))

	entries, err := os.ReadDir(o.cfg.ClipsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "Q1 - Field 1")
	assert.True(t, indexUpdated)
}

func TestFireClipJobSkipsWhenNotRecording(t *testing.T) {
	sw := connectToFakeSwitcher(t, &fakeSwitcherServer{active: false})
	indexUpdated := false
	o, err := New(Config{ClipsDir: t.TempDir()}, sw, recmon.New(nil, nil), clipper.New(nil), workerpool.New(1),
		nil, func() { indexUpdated = true })
	require.NoError(t, err)

	o.fireClipJob("Q1", 1, time.Now())

	entries, err := os.ReadDir(o.cfg.ClipsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.False(t, indexUpdated)
}
