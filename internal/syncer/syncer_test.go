package syncer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartDoesNothingWhenDisabled(t *testing.T) {
	s, err := New(Config{Enabled: false}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestStartDoesNothingWhenUnconfigured(t *testing.T) {
	s, err := New(Config{Enabled: true}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestStartSchedulesPeriodicRsync(t *testing.T) {
	calls := make(chan struct{}, 8)
	s, err := New(Config{Enabled: true, Host: "backup.example", Module: "module", IntervalSeconds: 1}, nil)
	require.NoError(t, err)
	s.runRsync = func(ctx context.Context, cfg Config) error {
		calls <- struct{}{}
		return nil
	}

	require.NoError(t, s.Start())
	defer s.Stop()

	select {
	case <-calls:
	case <-time.After(3 * time.Second):
		t.Fatal("expected at least one scheduled rsync run")
	}
}

func TestRunOnceInvokesRsyncDirectly(t *testing.T) {
	called := false
	s, err := New(Config{Enabled: true, Host: "backup.example", Module: "module"}, nil)
	require.NoError(t, err)
	s.runRsync = func(ctx context.Context, cfg Config) error {
		called = true
		return nil
	}

	require.NoError(t, s.RunOnce(context.Background()))
	assert.True(t, called)
}

func TestRunRsyncReturnsNilWhenSourceMissing(t *testing.T) {
	cfg := Config{SourceDir: filepath.Join(t.TempDir(), "does-not-exist"), Host: "backup.example", Module: "module"}
	assert.NoError(t, runRsync(context.Background(), cfg))
}

// TestRunRsyncInvokesCommandWithPasswordEnv puts a fake "rsync" ahead of
// PATH that records its argv and environment, then asserts runRsync built
// the rsync:// URL and set RSYNC_PASSWORD in the environment.
func TestRunRsyncInvokesCommandWithPasswordEnv(t *testing.T) {
	sourceDir := t.TempDir()

	binDir := t.TempDir()
	recordPath := filepath.Join(binDir, "rsync.args")
	script := "#!/bin/sh\necho \"$@\" > " + recordPath + "\necho \"RSYNC_PASSWORD=$RSYNC_PASSWORD\" >> " + recordPath + "\nexit 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "rsync"), []byte(script), 0o755))

	oldPath := os.Getenv("PATH")
	os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath)
	defer os.Setenv("PATH", oldPath)
	_, lookErr := exec.LookPath("rsync")
	require.NoError(t, lookErr)

	cfg := Config{SourceDir: sourceDir, Host: "backup.example", Module: "clips", Username: "pi", Password: "hunter2"}
	require.NoError(t, runRsync(context.Background(), cfg))

	data, err := os.ReadFile(recordPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rsync://pi@backup.example/clips/")
	assert.Contains(t, string(data), "RSYNC_PASSWORD=hunter2")
}
