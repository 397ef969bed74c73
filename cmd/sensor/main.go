package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edgecam/edgecam/internal/adapters/hoststats"
	"github.com/edgecam/edgecam/internal/adapters/mqtt"
	"github.com/edgecam/edgecam/internal/app/controller"
	"github.com/edgecam/edgecam/internal/config"
	"github.com/edgecam/edgecam/internal/domain"
	"github.com/edgecam/edgecam/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.ValidateSensor(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	loc, _ := cfg.Location()
	logging.Setup(cfg.EnableLogging, cfg.LogLevel)
	mqtt.SetupLogging()

	deviceID := domain.DeviceID(cfg.DeviceID)
	topics := controller.TopicsFor(deviceID)
	qos := byte(cfg.MQTTQoS)

	client := mqtt.New(mqtt.Config{
		Broker:   cfg.MQTTBroker,
		Port:     cfg.MQTTPort,
		ClientID: cfg.DeviceID,
		Will: &mqtt.Will{
			Topic:    topics.Status,
			Payload:  controller.OfflineStatus(),
			QoS:      1,
			Retained: true,
		},
	})

	ctrl := controller.New(deviceID, client, controller.NewLogActuator(),
		controller.NewSimulatedReader(uint64(time.Now().UnixNano())),
		controller.WithQoS(qos),
		controller.WithInterval(cfg.SensorInterval),
		controller.WithLocation(loc),
		controller.WithHealthProbe(hoststats.Probe{}),
	)

	client.Subscribe(ctrl.Topics().Control, qos, func(ctx context.Context, _ string, payload []byte) {
		if err := ctrl.HandleControl(ctx, payload); err != nil {
			log.Warn().Err(err).Str("module", "sensor").Msg("control message rejected")
		}
	})
	client.OnConnect(func(ctx context.Context) {
		if err := ctrl.AnnounceOnline(ctx); err != nil {
			log.Error().Err(err).Str("module", "sensor").Msg("announce online")
		}
	})

	log.Info().Str("broker", cfg.MQTTBroker).Int("port", cfg.MQTTPort).Msg("connecting to broker")
	if err := client.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("broker connection failed")
		os.Exit(1)
	}

	_ = ctrl.Run(ctx)

	log.Info().Msg("shutting down")
	client.Close()
	log.Info().Msg("sensor exited gracefully")
}
