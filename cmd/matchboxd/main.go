// Command matchboxd is the MatchBox daemon: it wires the clip extractor,
// recording monitor, switcher client, orchestrator, publisher, bus,
// proxy, tunnel, and sync worker together for one event, using a
// construct-then-signal.NotifyContext-then-serve shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/frc-matchbox/matchbox/internal/applog"
	"github.com/frc-matchbox/matchbox/internal/bus"
	"github.com/frc-matchbox/matchbox/internal/clipper"
	"github.com/frc-matchbox/matchbox/internal/config"
	"github.com/frc-matchbox/matchbox/internal/discovery"
	"github.com/frc-matchbox/matchbox/internal/orchestrator"
	"github.com/frc-matchbox/matchbox/internal/publisher"
	"github.com/frc-matchbox/matchbox/internal/recmon"
	"github.com/frc-matchbox/matchbox/internal/session"
	"github.com/frc-matchbox/matchbox/internal/switcher"
	"github.com/frc-matchbox/matchbox/internal/syncer"
	"github.com/frc-matchbox/matchbox/internal/tunnel"
	"github.com/frc-matchbox/matchbox/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "matchbox_config.json", "path to the JSON config override file")
	eventCode := flag.String("event-code", "", "override: scoring event code")
	scoringHost := flag.String("scoring-host", "", "override: scoring system host")
	scoringPort := flag.Int("scoring-port", 0, "override: scoring system port")
	switcherHost := flag.String("obs-host", "", "override: switcher control host")
	switcherPort := flag.Int("obs-port", 0, "override: switcher control port")
	switcherPassword := flag.String("obs-password", "", "override: switcher control password")
	flag.Parse()

	result, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "matchboxd: loading config: %v\n", err)
		os.Exit(1)
	}
	cfg := *result.Config

	if *eventCode != "" {
		cfg.EventCode = *eventCode
	}
	if *scoringHost != "" {
		cfg.ScoringHost = *scoringHost
	}
	if *scoringPort != 0 {
		cfg.ScoringPort = *scoringPort
	}
	if *switcherHost != "" {
		cfg.SwitcherHost = *switcherHost
	}
	if *switcherPort != 0 {
		cfg.SwitcherPort = *switcherPort
	}
	if *switcherPassword != "" {
		cfg.SwitcherPassword = *switcherPassword
	}

	store := config.NewStore(&cfg)

	logger := applog.New()
	logBus := bus.New()
	logger.SetSink(logBus)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clipsDir := filepath.Join(cfg.OutputDir, cfg.EventCode)
	if err := orchestrator.EnsureClipsDir(clipsDir); err != nil {
		logger.Fatalf("matchboxd: creating clips directory: %v", err)
	}

	extractor := clipper.New(nil)
	monitor := recmon.New(recmon.ResolveProbeBinary(""), func(format string, args ...any) { logger.Warnf(format, args...) })
	monitor.Start(ctx)
	defer monitor.Stop()

	switcherClient := switcher.New()
	pool := workerpool.New(4)

	sessionSecretFn := func() []byte {
		s := cfg.TunnelPassword
		if s == "" {
			s = "matchbox-fallback-secret"
		}
		return session.DeriveSecret(s)
	}

	var (
		mu            sync.Mutex
		orch          *orchestrator.Orchestrator
		orchCancel    context.CancelFunc
		syncWorker    *syncer.Syncer
		tunnelCancel  context.CancelFunc
	)

	var pub *publisher.Publisher

	statusFn := func() any {
		mu.Lock()
		running := orch != nil
		syncRunning := syncWorker != nil
		tunnelConnected := tunnelCancel != nil
		mu.Unlock()

		current := store.Get()
		currentField := 0
		recording := false
		mu.Lock()
		if orch != nil {
			currentField = orch.CurrentField()
			recording = orch.IsRecording()
		}
		mu.Unlock()

		return map[string]any{
			"running":            running,
			"switcher_connected": true,
			"upstream_connected": running,
			"current_field":      currentField,
			"recording":          recording,
			"clips_count":        pub.ClipCount(),
			"event_code":         current.EventCode,
			"sync_running":       syncRunning,
			"tunnel_connected":   tunnelConnected,
		}
	}

	startOrchestrator := func() error {
		mu.Lock()
		defer mu.Unlock()
		if orch != nil {
			return nil
		}
		current := store.Get()
		o, err := orchestrator.New(orchestrator.Config{
			ScoringHost:            current.ScoringHost,
			ScoringPort:            current.ScoringPort,
			EventCode:              current.EventCode,
			FieldSceneMapping:      current.FieldSceneMapping,
			ClipsDir:               clipsDir,
			PreMatchBufferSeconds:  current.PreMatchBufferSeconds,
			PostMatchBufferSeconds: current.PostMatchBufferSeconds,
			MatchDurationSeconds:   current.MatchDurationSeconds,
		}, switcherClient, monitor, extractor, pool,
			func(format string, args ...any) { logger.Infof(format, args...) },
			func() {
				if err := pub.RegenerateIndex(); err != nil {
					logger.Warnf("matchboxd: regenerating index: %v", err)
				}
			})
		if err != nil {
			return err
		}
		runCtx, runCancel := context.WithCancel(ctx)
		orch = o
		orchCancel = runCancel
		go o.Run(runCtx)
		return nil
	}

	stopOrchestrator := func() error {
		mu.Lock()
		defer mu.Unlock()
		if orchCancel != nil {
			orchCancel()
		}
		orch = nil
		orchCancel = nil
		return nil
	}

	configureOBS := func() error {
		current := store.Get()
		connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
		defer connCancel()
		if err := switcherClient.Connect(connCtx, current.SwitcherHost, current.SwitcherPort, current.SwitcherPassword); err != nil {
			return err
		}
		return switcherClient.ConfigureScenes(connCtx, current.NumFields, current.OverlayURL,
			func(msg string) { logger.Warnf("%s", msg) })
	}

	startSync := func() error {
		mu.Lock()
		defer mu.Unlock()
		if syncWorker != nil {
			return nil
		}
		current := store.Get()
		sw, err := syncer.New(syncer.Config{
			Enabled: current.RsyncEnabled, SourceDir: clipsDir, Host: current.RsyncHost,
			Module: current.RsyncModule, Username: current.RsyncUsername, Password: current.RsyncPassword,
			IntervalSeconds: current.RsyncIntervalSeconds,
		}, func(format string, args ...any) { logger.Warnf(format, args...) })
		if err != nil {
			return err
		}
		if err := sw.Start(); err != nil {
			return err
		}
		syncWorker = sw
		return nil
	}

	stopSync := func() error {
		mu.Lock()
		defer mu.Unlock()
		if syncWorker == nil {
			return nil
		}
		err := syncWorker.Stop()
		syncWorker = nil
		return err
	}

	startTunnel := func() error {
		mu.Lock()
		defer mu.Unlock()
		if tunnelCancel != nil {
			return nil
		}
		current := store.Get()
		client := tunnel.New(tunnel.Config{
			RelayURL: current.TunnelRelayURL, EventCode: current.EventCode,
			Password: current.TunnelPassword, AllowAdmin: current.TunnelAllowAdmin,
			AdminHash: current.AdminHash, AdminSalt: current.AdminSalt, WebPort: current.WebPort,
		}, func(format string, args ...any) { logger.Warnf(format, args...) })
		runCtx, runCancel := context.WithCancel(ctx)
		tunnelCancel = runCancel
		go client.Run(runCtx)
		return nil
	}

	stopTunnel := func() error {
		mu.Lock()
		defer mu.Unlock()
		if tunnelCancel != nil {
			tunnelCancel()
		}
		tunnelCancel = nil
		return nil
	}

	pub = publisher.New(store, publisher.Callbacks{
		Status: statusFn, Start: startOrchestrator, Stop: stopOrchestrator,
		ConfigureOBS: configureOBS, SyncStart: startSync, SyncStop: stopSync,
		TunnelStart: startTunnel, TunnelStop: stopTunnel,
	}, clipsDir, "web/admin", "web/obs-web", *configPath, sessionSecretFn, func(format string, args ...any) { logger.Infof(format, args...) })

	if err := pub.RegenerateIndex(); err != nil {
		logger.Warnf("matchboxd: initial index generation: %v", err)
	}

	if cfg.RsyncEnabled {
		if err := startSync(); err != nil {
			logger.Warnf("matchboxd: starting sync worker: %v", err)
		}
	}
	if cfg.TunnelEnabled {
		if err := startTunnel(); err != nil {
			logger.Warnf("matchboxd: starting tunnel client: %v", err)
		}
	}

	var advertiser *discovery.Advertiser
	if cfg.MDNSName != "" {
		advertiser, err = discovery.Start(discovery.Options{
			InstanceName: cfg.EventCode, Host: cfg.MDNSName, Port: cfg.WebPort, EventCode: cfg.EventCode,
		})
		if err != nil {
			logger.Warnf("matchboxd: mDNS advertisement failed: %v", err)
		}
	}

	webServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.WebPort), Handler: pub.Router()}
	wsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebPort+1),
		Handler: newWSRouter(logBus, cfg.SwitcherHost, cfg.SwitcherPort, func(format string, args ...any) { logger.Warnf(format, args...) }),
	}

	go func() {
		logger.Infof("matchboxd: clip publisher listening on :%d", cfg.WebPort)
		if err := webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("matchboxd: web server: %v", err)
		}
	}()
	go func() {
		logger.Infof("matchboxd: status/log/proxy bus listening on :%d", cfg.WebPort+1)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("matchboxd: ws server: %v", err)
		}
	}()

	if err := startOrchestrator(); err != nil {
		logger.Warnf("matchboxd: starting orchestrator: %v", err)
	}

	<-ctx.Done()
	logger.Infof("matchboxd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	webServer.Shutdown(shutdownCtx)
	wsServer.Shutdown(shutdownCtx)

	stopOrchestrator()
	stopSync()
	stopTunnel()
	if advertiser != nil {
		advertiser.Stop()
	}
}
