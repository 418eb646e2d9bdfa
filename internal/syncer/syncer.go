// Package syncer implements C10, the sync worker: it periodically mirrors
// the clips output directory to a remote rsync module. Grounded on
// matchbox-sync.py's run_rsync/main loop, adapted onto
// github.com/go-co-op/gocron/v2 for the interval scheduling instead of a
// hand-rolled sleep-in-one-second-increments loop. Each run has its own
// 5-minute timeout; stopping the scheduler does not cancel a run in
// progress.
package syncer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const rsyncTimeout = 5 * time.Minute

// Config is the subset of process configuration the syncer needs.
type Config struct {
	Enabled         bool
	SourceDir       string
	Host            string
	Module          string
	Username        string
	Password        string
	IntervalSeconds int
}

// Syncer owns a gocron scheduler running one rsync job on an interval.
type Syncer struct {
	cfg       Config
	onLog     func(format string, args ...any)
	scheduler gocron.Scheduler
	runRsync  func(ctx context.Context, cfg Config) error
}

func New(cfg Config, onLog func(format string, args ...any)) (*Syncer, error) {
	if onLog == nil {
		onLog = func(string, ...any) {}
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("syncer: creating scheduler: %w", err)
	}
	return &Syncer{cfg: cfg, onLog: onLog, scheduler: scheduler, runRsync: runRsync}, nil
}

// Start registers the interval job and begins running it. A disabled or
// unconfigured syncer does nothing and returns nil rather than erroring,
// matching run_rsync's "nothing to sync" success.
func (s *Syncer) Start() error {
	if !s.cfg.Enabled || s.cfg.Host == "" || s.cfg.Module == "" {
		s.onLog("syncer: disabled or unconfigured, not starting")
		return nil
	}

	interval := time.Duration(s.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), rsyncTimeout)
			defer cancel()
			if err := s.runRsync(ctx, s.cfg); err != nil {
				s.onLog("syncer: rsync failed: %v", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("syncer: scheduling job: %w", err)
	}

	s.scheduler.Start()
	return nil
}

// RunOnce performs a single synchronous rsync pass, for cmd/matchbox-sync's
// --once flag.
func (s *Syncer) RunOnce(ctx context.Context) error {
	return s.runRsync(ctx, s.cfg)
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Syncer) Stop() error {
	return s.scheduler.Shutdown()
}

// runRsync builds and executes the rsync command, using the
// "rsync://{user@}host/module/" URL form (the primary syntax documented by
// modern rsync; see DESIGN.md for why the alternate "host::module" form
// found elsewhere in the original source was not carried forward).
func runRsync(ctx context.Context, cfg Config) error {
	info, err := os.Stat(cfg.SourceDir)
	if err != nil || !info.IsDir() {
		return nil // nothing to sync yet
	}

	target := cfg.Host
	if cfg.Username != "" {
		target = cfg.Username + "@" + cfg.Host
	}
	rsyncURL := fmt.Sprintf("rsync://%s/%s/", target, cfg.Module)

	source := cfg.SourceDir
	if source[len(source)-1] != '/' {
		source += "/"
	}

	cmd := exec.CommandContext(ctx, "rsync", "-avz", "--checksum", source, rsyncURL)
	if cfg.Password != "" {
		cmd.Env = append(os.Environ(), "RSYNC_PASSWORD="+cfg.Password)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("rsync exited: %w: %s", err, out)
	}
	return nil
}
