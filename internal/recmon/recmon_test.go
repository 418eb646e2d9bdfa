package recmon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRecordingFalseWithoutPath(t *testing.T) {
	m := New(nil, nil)
	assert.False(t, m.IsRecording())
}

func TestIsRecordingTrueAfterGrowthSample(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec.mp4")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	m := New(nil, nil)
	m.SetPath(path)
	m.sampleOnce()
	assert.True(t, m.IsRecording())
}

func TestIsRecordingPrunesOldSamples(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec.mp4")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	m := New(nil, nil)
	m.SetPath(path)
	m.mu.Lock()
	m.growthSample = []time.Time{time.Now().Add(-growthWindow - time.Second)}
	m.mu.Unlock()

	assert.False(t, m.IsRecording())
}

func TestSetPathResetsState(t *testing.T) {
	m := New(nil, nil)
	m.SetPath("/tmp/a.mp4")
	m.mu.Lock()
	m.growthSample = append(m.growthSample, time.Now())
	m.lastSize = 42
	m.mu.Unlock()

	m.SetPath("/tmp/b.mp4")
	assert.Equal(t, "/tmp/b.mp4", m.Path())
	assert.False(t, m.IsRecording())
}

func TestDurationReturnsZeroWithoutPath(t *testing.T) {
	m := New(nil, nil)
	assert.Equal(t, float64(0), m.Duration(context.Background()))
}

func TestDurationReturnsZeroWhenProbeFails(t *testing.T) {
	var warnings []string
	m := New(func() (string, error) { return "", os.ErrNotExist }, func(format string, args ...any) {
		warnings = append(warnings, format)
	})
	m.SetPath("/tmp/a.mp4")
	assert.Equal(t, float64(0), m.Duration(context.Background()))
	assert.NotEmpty(t, warnings)
}
