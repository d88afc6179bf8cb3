package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/TutorRTC/internal/adapters/http"
	"github.com/dkeye/TutorRTC/internal/adapters/rtc"
	wsignal "github.com/dkeye/TutorRTC/internal/adapters/signal"
	"github.com/dkeye/TutorRTC/internal/app"
	"github.com/dkeye/TutorRTC/internal/app/media"
	"github.com/dkeye/TutorRTC/internal/app/orch"
	"github.com/dkeye/TutorRTC/internal/app/pipeline"
	"github.com/dkeye/TutorRTC/internal/config"
	"github.com/dkeye/TutorRTC/internal/metrics"
	"github.com/dkeye/TutorRTC/internal/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New("tutor")

	reg := app.NewRegistry(cfg.Sessions.Max, cfg.Sessions.Timeout, m)
	go reg.Run(ctx, cfg.Sessions.SweepInterval)

	resolver := app.NewResolver(cfg)
	ice := resolver.ICE()

	newPeer, err := rtc.NewFactory(ice)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	src, err := storage.SourceFor(cfg.Idle, cfg.Minio)
	if err != nil {
		return err
	}
	loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
	idle, err := storage.LoadIdleClip(loadCtx, src, cfg.Idle.FPS)
	loadCancel()
	if err != nil {
		return err
	}

	neg := media.NewNegotiator(ctx, newPeer, idle, media.Options{
		PublicIP:      ice.PublicIP,
		MaxFailures:   cfg.WebRTC.MaxFailures,
		FailureWindow: cfg.WebRTC.FailureWindow,
		Metrics:       m,
	})
	defer neg.Close()

	collab, err := newCollaborators(ctx, cfg)
	if err != nil {
		return err
	}
	coord := pipeline.NewCoordinator(resolver, collab.gen, collab.synth, collab.render, neg, pipeline.Config{
		Transcriber:   collab.asr,
		Timeout:       cfg.Pipeline.Timeout,
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		Metrics:       m,
	})

	mux := orch.NewMux(ctx, reg, resolver, neg, coord, orch.Options{
		QueueSize:  cfg.Pipeline.QueueSize,
		ICEServers: clientICEServers(ice),
		Metrics:    m,
	})
	defer mux.Shutdown()

	ctl := wsignal.NewSignalWSController(mux, wsignal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		Limiter:    wsignal.NewOwnerRateLimiter(cfg.Rate.Limit, cfg.Rate.Burst),
	})

	r := router.SetupRouter(ctx, router.Deps{
		Config:   cfg,
		Registry: reg,
		Mux:      mux,
		Signal:   ctl,
		Metrics:  m,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("generator", cfg.Generator.Backend).Msg("Tutor server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	return nil
}
