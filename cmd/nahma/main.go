// cmd/nahma is the supervisor process entrypoint: it brings up identity,
// persistence, the transport mesh, and the local control-plane HTTP
// surface, then serves until a termination signal.
//
// Usage:
//
//	STATE_DIR=/var/lib/nahma nahma --port 7846
//	nahma --no-persist --verbose
//	nahma --relay-mode --port 7846 --stun-servers stun:stun.l.google.com:19302
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/nahma/nahma-core/internal/control"
	"github.com/nahma/nahma-core/internal/supervisor"
	"github.com/nahma/nahma-core/internal/transport/relay"
)

// Exit codes, exactly per spec.md §6.
const (
	exitClean       = 0
	exitTestFailure = 1
	exitInfra       = 2
)

var (
	port        int
	noPersist   bool
	verbose     bool
	relayMode   bool
	stunServers string
	debugPort   int
	exposeDebug bool
)

func main() {
	root := &cobra.Command{
		Use:   "nahma",
		Short: "Nightjar peer-to-peer collaborative editing supervisor",
		RunE:  run,
	}

	root.PersistentFlags().IntVar(&port, "port", 7846, "signaling/relay listen port")
	root.PersistentFlags().BoolVar(&noPersist, "no-persist", false, "run in ephemeral memory-only mode")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "raise log verbosity to debug")
	root.PersistentFlags().BoolVar(&relayMode, "relay-mode", false, "serve an embedded relay endpoint on --port")
	root.PersistentFlags().StringVar(&stunServers, "stun-servers", os.Getenv("STUN_SERVERS"), "comma-separated STUN server list for WebRTC ICE")
	root.PersistentFlags().IntVar(&debugPort, "debug-port", 9090, "local control-plane HTTP port")
	root.PersistentFlags().BoolVar(&exposeDebug, "expose-debug", false, "bind the control-plane HTTP surface to all interfaces instead of 127.0.0.1")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInfra)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	stateDir := os.Getenv("STATE_DIR")
	if stateDir == "" {
		stateDir = "nahma-data"
	}

	sup, err := supervisor.New(supervisor.Config{StateDir: stateDir, NoPersist: noPersist})
	if err != nil {
		slog.Error("failed to construct supervisor", "err", err)
		os.Exit(exitInfra)
	}
	if err := sup.Start(); err != nil {
		slog.Error("failed to start supervisor", "err", err)
		os.Exit(exitInfra)
	}

	var relayHTTP *http.Server
	if relayMode {
		relaySrv := relay.NewServer(relay.DefaultMaxConnections)
		mux := http.NewServeMux()
		mux.HandleFunc("/relay/ws", relayHandler(relaySrv))
		relayHTTP = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
		go func() {
			slog.Info("relay listening", "addr", relayHTTP.Addr, "stunServers", stunServers)
			if err := relayHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("relay server error", "err", err)
			}
		}()
	}

	debugBind := "127.0.0.1"
	if exposeDebug {
		debugBind = ""
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(control.Logger(), control.Recovery())
	control.NewHandler(sup.Registry(), sup.Metadata(), sup).Register(router)
	debugSrv := &http.Server{
		Addr:    net.JoinHostPort(debugBind, fmt.Sprintf("%d", debugPort)),
		Handler: router,
	}
	go func() {
		slog.Info("control surface listening", "addr", debugSrv.Addr)
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("control surface error", "err", err)
		}
	}()

	slog.Info("nahma supervisor ready", "nodeID", sup.NodeID(), "statePersisted", !noPersist)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := debugSrv.Shutdown(ctx); err != nil {
		slog.Warn("control surface shutdown error", "err", err)
	}
	if relayHTTP != nil {
		if err := relayHTTP.Shutdown(ctx); err != nil {
			slog.Warn("relay shutdown error", "err", err)
		}
	}
	if err := sup.Shutdown(); err != nil {
		slog.Error("supervisor shutdown error", "err", err)
		os.Exit(exitInfra)
	}
	return nil
}
