// Command matchbox-sync is a standalone invocation of internal/syncer,
// reproducing matchbox-sync.py's --once/--config CLI surface as a thin
// wrapper the daemon doesn't need to run in-process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/frc-matchbox/matchbox/internal/config"
	"github.com/frc-matchbox/matchbox/internal/syncer"
)

func main() {
	configPath := flag.String("config", "matchbox_config.json", "path to the JSON config override file")
	once := flag.Bool("once", false, "run a single sync pass and exit")
	flag.Parse()

	result, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "matchbox-sync: loading config: %v\n", err)
		os.Exit(1)
	}
	cfg := result.Config

	if !cfg.RsyncEnabled {
		fmt.Fprintln(os.Stderr, "matchbox-sync: rsync is not enabled in config, nothing to do")
		return
	}

	s, err := syncer.New(syncer.Config{
		Enabled:         cfg.RsyncEnabled,
		SourceDir:       cfg.OutputDir,
		Host:            cfg.RsyncHost,
		Module:          cfg.RsyncModule,
		Username:        cfg.RsyncUsername,
		Password:        cfg.RsyncPassword,
		IntervalSeconds: cfg.RsyncIntervalSeconds,
	}, func(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) })
	if err != nil {
		fmt.Fprintf(os.Stderr, "matchbox-sync: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *once {
		if err := s.RunOnce(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "matchbox-sync: sync failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := s.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "matchbox-sync: %v\n", err)
		os.Exit(1)
	}
	<-ctx.Done()
	s.Stop()
}
