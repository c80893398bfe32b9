// activity-relay is the websocket hub for the wsctx fabric. Pages running in
// separate processes register their browsing contexts here; the hub routes
// envelopes between them, stamping each with the sender's pinned origin.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/machinefabric/activities-go/webctx/wsctx"
)

// version is set by ldflags at build time.
var version = "dev"

var (
	flagConfig  string
	flagListen  string
	flagMetrics string
	flagToken   string
	flagRedis   string
	flagLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "activity-relay",
	Short: "Websocket relay hub for cross-process activity contexts",
	Long: "Runs the hub that the wsctx fabric dials. Each connection registers\n" +
		"one browsing context; the hub relays structured messages between them,\n" +
		"brokers window opens, and asserts message provenance from its own\n" +
		"records rather than from anything the sender claims.",
	Version: version,
	RunE:    runRelay,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	rootCmd.Flags().StringVar(&flagListen, "listen", "", "Websocket listen address (overrides config)")
	rootCmd.Flags().StringVar(&flagMetrics, "metrics-listen", "", "Prometheus listen address (overrides config)")
	rootCmd.Flags().StringVar(&flagToken, "token", "", "Bearer token clients must present (overrides config)")
	rootCmd.Flags().StringVar(&flagRedis, "redis", "", "Redis address for shared relay state (overrides config)")
	rootCmd.Flags().StringVar(&flagLevel, "log-level", "", "debug, info, warn or error (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.Listen = flagListen
	}
	if flagMetrics != "" {
		cfg.MetricsListen = flagMetrics
	}
	if flagToken != "" {
		cfg.AuthToken = flagToken
	}
	if flagRedis != "" {
		cfg.RedisAddr = flagRedis
	}
	if flagLevel != "" {
		cfg.LogLevel = flagLevel
	}

	level, err := cfg.slogLevel()
	if err != nil {
		return err
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var st wsctx.Store
	if cfg.RedisAddr != "" {
		st = wsctx.NewRedisStore(cfg.RedisAddr)
		log.Info("using redis store", "addr", cfg.RedisAddr)
	} else {
		st = wsctx.NewMemoryStore()
		log.Info("using in-memory store")
	}

	hub := wsctx.NewHub(st, cfg.AuthToken, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	wsServer := &http.Server{Addr: cfg.Listen, Handler: mux}

	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("relay listening", "addr", cfg.Listen, "version", version)
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			log.Info("metrics listening", "addr", cfg.MetricsListen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		// The hub goes first: closing its sockets ends the websocket
		// handlers, which is what lets Shutdown's drain complete.
		hub.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return wsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
