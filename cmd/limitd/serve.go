package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/apptimelimit/internal/auditsink"
	"github.com/goodtune/apptimelimit/internal/config"
	"github.com/goodtune/apptimelimit/internal/engine"
	"github.com/goodtune/apptimelimit/internal/metrics"
	"github.com/goodtune/apptimelimit/internal/systemd"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the limitd engine, ingesting usage events",
	Long:  `Start the usage-limit engine and ingest start/stop/observer events as newline-delimited JSON from stdin or a Unix socket.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("starting limitd")

	var notifier engine.Notifier
	var sink *auditsink.Sink
	if cfg.Audit.Enabled {
		sink, err = auditsink.Open(auditsink.Config{
			Addr:         cfg.Audit.RedisAddr,
			DB:           cfg.Audit.RedisDB,
			Channel:      cfg.Audit.Channel,
			StreamName:   cfg.Audit.StreamName,
			StreamMaxLen: cfg.Audit.StreamMaxLen,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize audit sink: %w", err)
		}
		defer sink.Close()
		notifier = sink
		logger.Info().Str("addr", cfg.Audit.RedisAddr).Msg("audit sink connected")
	} else {
		notifier = nopNotifier{}
	}

	engineCfg := engine.Config{
		MinTimeLimitMs:            cfg.Engine.MinTimeLimitMs,
		MaxAppObserversPerUID:     cfg.Engine.MaxAppObserversPerUID,
		MaxSessionObserversPerUID: cfg.Engine.MaxSessionObserversPerUID,
		IdleObserverAppCacheSize:  cfg.Engine.ObserverAppCacheSize,
	}
	ctrl := engine.NewController(engineCfg, nil, notifier, metrics.PrometheusMetrics{}, logger)
	defer ctrl.Close()

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	defer metricsServer.Stop()

	logger.Info().Str("addr", metricsAddr).Msg("metrics server started")

	notify := systemd.New(logger)

	done := make(chan struct{})
	go ingest(cfg, ctrl, logger, done)

	notify.Ready()
	logger.Info().Msg("limitd ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("shutdown signal received, stopping")
	case <-done:
		logger.Info().Msg("event ingest stream closed, stopping")
	}

	notify.Stopping()
	return nil
}

// ingest reads events for the lifetime of the serve command, either from a
// Unix socket (one connection at a time, matching the single-writer shape
// this host expects) or from stdin when no socket is configured.
func ingest(cfg *config.Config, ctrl *engine.Controller, logger zerolog.Logger, done chan<- struct{}) {
	defer close(done)

	handle := func(r net.Conn) {
		defer r.Close()
		consume(r, ctrl, logger)
	}

	if cfg.Server.SocketPath == "" {
		consume(os.Stdin, ctrl, logger)
		return
	}

	os.Remove(cfg.Server.SocketPath)
	ln, err := net.Listen("unix", cfg.Server.SocketPath)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.Server.SocketPath).Msg("failed to listen on event socket")
		return
	}
	defer ln.Close()

	logger.Info().Str("path", cfg.Server.SocketPath).Msg("listening for events")
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Warn().Err(err).Msg("event socket accept failed")
			return
		}
		handle(conn)
	}
}

func consume(r io.Reader, ctrl *engine.Controller, logger zerolog.Logger) {
	err := readEvents(r, func(e event) error {
		if err := applyEvent(ctrl, e); err != nil {
			logger.Warn().Err(err).Str("type", e.Type).Msg("event rejected")
		}
		return nil
	}, func(line []byte, err error) {
		logger.Warn().Err(err).Bytes("line", line).Msg("failed to decode event")
	})
	if err != nil {
		logger.Error().Err(err).Msg("event stream read error")
	}
}

type nopNotifier struct{}

func (nopNotifier) OnLimitReached(observerID engine.ObserverID, userID engine.UserID, timeLimitMs, timeElapsedMs int64, callback engine.Callback) {
}
func (nopNotifier) OnSessionEnd(observerID engine.ObserverID, userID engine.UserID, timeElapsedMs int64, callback engine.Callback) {
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
