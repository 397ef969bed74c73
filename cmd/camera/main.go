package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/edgecam/edgecam/internal/adapters/http"
	"github.com/edgecam/edgecam/internal/adapters/rtc"
	sig "github.com/edgecam/edgecam/internal/adapters/signal"
	"github.com/edgecam/edgecam/internal/adapters/v4l2"
	"github.com/edgecam/edgecam/internal/app/capture"
	"github.com/edgecam/edgecam/internal/app/orch"
	"github.com/edgecam/edgecam/internal/config"
	"github.com/edgecam/edgecam/internal/domain"
	"github.com/edgecam/edgecam/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console logger for startup; replaced once config is known.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.ValidateCamera(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	logging.Setup(cfg.EnableLogging, cfg.LogLevel)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("camera exited")
		os.Exit(1)
	}
	log.Info().Msg("camera exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	deviceID := domain.DeviceID(cfg.DeviceID)
	policy, _ := capture.ParseOverflowPolicy(cfg.CameraQueuePolicy)

	camera := v4l2.NewCamera(v4l2.Config{
		Device:      cfg.CameraDevice,
		Width:       cfg.CameraWidth,
		Height:      cfg.CameraHeight,
		FPS:         cfg.CameraFPS,
		Bitrate:     cfg.CameraBitrate,
		FFmpegPath:  cfg.FFmpegPath,
		OpenTimeout: cfg.CameraOpenTimeout,
	})
	source := capture.NewSource(camera, capture.WithOverflowPolicy(policy))

	newConn, err := rtc.NewFactory(rtc.Config{
		ICEServers:    cfg.ICEServers,
		LoggerFactory: logging.PionFactory{},
	})
	if err != nil {
		return err
	}

	log.Info().Str("url", cfg.SignalingServerURL).Msg("connecting to signaling server")
	client, err := sig.Dial(ctx, cfg.SignalingServerURL, deviceID.Room(),
		sig.WithOfferRateLimiter(sig.NewOfferRateLimiter(cfg.OfferRateLimit, cfg.OfferRateBurst)))
	if err != nil {
		return err
	}

	manager := orch.New(source, client, newConn,
		orch.WithCheckingTimeout(cfg.ICECheckingTimeout),
		orch.WithStreamID(string(deviceID)),
	)
	orchCtx, stopOrch := context.WithCancel(context.Background())
	orchDone := make(chan struct{})
	go func() {
		_ = manager.Run(orchCtx)
		close(orchDone)
	}()

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: router.SetupRouter(cfg, manager),
		}
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("status server started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("server error")
			}
		}()
	}

	runErr := client.Run(ctx, manager)

	log.Info().Msg("shutting down")
	stopOrch()
	<-orchDone
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
	}
	return runErr
}
