package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/gardena-mqtt-bridge/internal/directory"
	"github.com/benmeehan/gardena-mqtt-bridge/internal/dispatcher"
	"github.com/benmeehan/gardena-mqtt-bridge/internal/models"
	"github.com/benmeehan/gardena-mqtt-bridge/internal/service_registry"
	"github.com/benmeehan/gardena-mqtt-bridge/internal/services"
	"github.com/benmeehan/gardena-mqtt-bridge/internal/utils"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/file"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/gardena"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/logging"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/mqtt"
)

func main() {
	os.Exit(run())
}

func run() int {
	fileClient := file.NewFileService()

	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	config, err := utils.LoadConfig(configPath, fileClient)
	if err != nil {
		fallbackLog := logging.New("info", logging.FileConfig{})
		fallbackLog.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	log := logging.New(config.Logging.Level, logging.FileConfig{
		Path:       config.Logging.File,
		MaxSizeMB:  config.Logging.MaxSizeMB,
		MaxBackups: config.Logging.MaxBackups,
	})

	// Unique client id so a restarted bridge does not fight its old session.
	clientID := config.MQTT.ClientID + "-" + uuid.New().String()
	log.Info().Str("client_id", clientID).Msg("Starting Gardena MQTT bridge")

	tokens := gardena.NewTokenManager(
		config.Gardena.AuthHost,
		config.Gardena.APIKey,
		config.Gardena.APISecret,
		config.Gardena.TokenMargin,
		log.With().Str("component", "token").Logger(),
	)
	cloud := gardena.NewClient(
		config.Gardena.APIHost,
		config.Gardena.APIKey,
		tokens,
		log.With().Str("component", "cloud").Logger(),
	)

	mqttClient := mqtt.NewMqttService(log.With().Str("component", "mqtt").Logger())
	mqttClient.Initialize(config.MQTT.Broker, clientID, config.MQTT.Username, config.MQTT.Password)

	deviceDirectory := directory.New(cloud, log.With().Str("component", "directory").Logger())
	commandDispatcher := dispatcher.New(deviceDirectory, cloud, log.With().Str("component", "dispatcher").Logger())

	changes := make(chan models.FieldChange, 256)
	resync := make(chan struct{}, 1)
	fatal := make(chan error, 1)

	streamService := services.NewStreamService(
		cloud,
		deviceDirectory,
		config.Stream,
		changes,
		resync,
		fatal,
		log.With().Str("component", "stream").Logger(),
	)
	bridgeService := services.NewBridgeService(
		mqttClient,
		deviceDirectory,
		commandDispatcher,
		byte(config.MQTT.QOS),
		changes,
		resync,
		log.With().Str("component", "bridge").Logger(),
	)

	if err := mqttClient.Connect(); err != nil {
		log.Error().Err(err).Msg("Failed to connect to MQTT broker")
		return 1
	}

	registry := service_registry.NewServiceRegistry(log.With().Str("component", "registry").Logger())
	registry.RegisterService("stream", streamService)
	registry.RegisterService("bridge", bridgeService)

	if err := registry.StartServices(); err != nil {
		log.Error().Err(err).Msg("Failed to start services")
		mqttClient.Disconnect(250)
		return 1
	}
	log.Info().Msg("All services started successfully")

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-stopCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")
	case err := <-fatal:
		log.Error().Err(err).Msg("Fatal error, shutting down")
		exitCode = 1
	}

	shutdown(registry, mqttClient, config.ShutdownGrace, log)
	return exitCode
}

// shutdown stops all services with a bounded grace period before giving up.
func shutdown(registry *service_registry.ServiceRegistry, mqttClient *mqtt.MqttService,
	grace time.Duration, log zerolog.Logger) {

	done := make(chan struct{})
	go func() {
		if err := registry.StopServices(); err != nil {
			log.Warn().Err(err).Msg("Some services failed to stop cleanly")
		}
		mqttClient.Disconnect(250)
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Shutdown complete")
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("Shutdown grace period exceeded, exiting")
	}
}
