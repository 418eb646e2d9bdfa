// Command matchbox-relay runs the standalone multi-tenant relay (C9),
// mirroring pi-server/relay_server.py's main().
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frc-matchbox/matchbox/internal/relay"
)

func main() {
	port := flag.Int("port", 8080, "listen port")
	token := flag.String("token", "", "shared registration token (required)")
	basePath := flag.String("base-path", "", "URL path prefix, e.g. behind a reverse proxy")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "matchbox-relay: --token is required")
		os.Exit(1)
	}

	srv := relay.New(*token, *basePath)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: srv.Router(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "matchbox-relay: listening on :%d\n", *port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "matchbox-relay: %v\n", err)
		os.Exit(1)
	}
}
