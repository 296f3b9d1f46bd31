package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrts/callkit/internal/audioroute"
	"github.com/gofrts/callkit/internal/call"
	"github.com/gofrts/callkit/internal/config"
	"github.com/gofrts/callkit/internal/eventbus"
	"github.com/gofrts/callkit/internal/media"
	"github.com/gofrts/callkit/internal/metrics"
	"github.com/gofrts/callkit/internal/signaling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("api_base_url", cfg.APIBaseURL).
		Str("events_ws_url", cfg.EventsWSURL).
		Int("ice_servers", len(cfg.ICEServers)).
		Msg("starting callkitd")

	mtr := metrics.New()
	bus := eventbus.New(logger)

	// Construct the WebRTC engine early so misconfigurations fail on startup.
	// ICE sockets are only created once a call starts.
	engine, err := media.NewEngine(cfg.ICEServers, audioroute.NopRouter{}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to configure webrtc")
		os.Exit(2)
	}

	client := signaling.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.HTTPTimeout, logger, mtr)

	orch := call.NewOrchestrator(call.Options{
		Transport: client,
		Media: func(kind media.Kind, cb media.Callbacks) (call.MediaSession, error) {
			return engine.NewSession(kind, cb)
		},
		Bus:               bus,
		Metrics:           mtr,
		Logger:            logger,
		SpeakerOnForVideo: cfg.SpeakerOnForVideo,
	})

	listener := signaling.NewListener(cfg.EventsWSURL, cfg.APIToken, cfg.DialRetryDelay, orch, logger)
	listener.Start()

	api := &controlAPI{orch: orch, mtr: mtr, log: logger}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error().Err(err).Str("listen_addr", cfg.ListenAddr).Msg("failed to listen")
		os.Exit(1)
	}

	srv := &http.Server{Handler: api.routes()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		listener.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("control api exited")
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hang up before dropping the control api so the backend does not keep a
	// phantom call ringing.
	if err := orch.End(shutdownCtx); err != nil && !errors.Is(err, call.ErrNoCall) {
		logger.Warn().Err(err).Msg("ending active call on shutdown failed")
	}
	listener.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("control api shutdown failed")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("control api exited after shutdown")
		os.Exit(1)
	}
}
