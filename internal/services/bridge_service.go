package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/benmeehan/gardena-mqtt-bridge/internal/constants"
	"github.com/benmeehan/gardena-mqtt-bridge/internal/models"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/gardena"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/mqtt"
)

// DirectoryReader is the read-only view of the device directory the bridge
// needs for subscriptions and retained-state recovery.
type DirectoryReader interface {
	Serials() []string
	SnapshotChanges() []models.FieldChange
}

// CommandDispatcher forwards decoded commands to the cloud.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, req models.CommandRequest) error
}

// BridgeService is the only component touching the MQTT broker. It publishes
// telemetry field changes as retained messages and subscribes to the command
// topic of every known mower.
type BridgeService struct {
	mqttClient mqtt.MQTTClient
	directory  DirectoryReader
	dispatcher CommandDispatcher
	qos        byte
	logger     zerolog.Logger

	changes <-chan models.FieldChange
	resync  <-chan struct{}

	// subscribed tracks serials with an active command subscription.
	subscribed map[string]struct{}
	subMu      sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	stopChan  chan struct{}
	handlerMu sync.Mutex
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// NewBridgeService initializes a BridgeService.
func NewBridgeService(mqttClient mqtt.MQTTClient, directory DirectoryReader,
	dispatcher CommandDispatcher, qos byte, changes <-chan models.FieldChange,
	resync <-chan struct{}, logger zerolog.Logger) *BridgeService {

	return &BridgeService{
		mqttClient: mqttClient,
		directory:  directory,
		dispatcher: dispatcher,
		qos:        qos,
		logger:     logger,
		changes:    changes,
		resync:     resync,
		subscribed: make(map[string]struct{}),
	}
}

// Start subscribes to command topics for the mowers known so far and launches
// the publish loop. The broker client's OnConnect hook restores subscriptions
// and retained state after an MQTT reconnect.
func (b *BridgeService) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx != nil {
		return errors.New("bridge service is already running")
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.stopChan = make(chan struct{})

	b.mqttClient.SetOnConnect(b.recoverRetainedState)
	b.subscribeKnownSerials()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runPublishLoop()
	}()

	b.logger.Info().Msg("Bridge service started")
	return nil
}

// Stop halts the publish loop and drops command subscriptions.
func (b *BridgeService) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		return errors.New("bridge service is not running")
	}
	b.handlerMu.Lock()
	close(b.stopChan)
	b.handlerMu.Unlock()
	b.cancel()
	b.wg.Wait()

	b.subMu.Lock()
	topics := make([]string, 0, len(b.subscribed))
	for serial := range b.subscribed {
		topics = append(topics, constants.CommandTopic(serial))
	}
	b.subscribed = make(map[string]struct{})
	b.subMu.Unlock()

	if len(topics) > 0 {
		if err := b.mqttClient.Unsubscribe(topics...); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to unsubscribe from command topics")
		}
	}

	b.ctx = nil
	b.cancel = nil

	b.logger.Info().Msg("Bridge service stopped")
	return nil
}

// runPublishLoop publishes field changes in arrival order and refreshes
// command subscriptions when the directory is rebuilt.
func (b *BridgeService) runPublishLoop() {
	for {
		select {
		case change := <-b.changes:
			b.publish(change)
		case <-b.resync:
			b.subscribeKnownSerials()
		case <-b.ctx.Done():
			return
		}
	}
}

// publish writes one retained telemetry message.
func (b *BridgeService) publish(change models.FieldChange) {
	topic := constants.TelemetryTopic(change.Serial, change.Field)
	if err := b.mqttClient.Publish(topic, b.qos, true, change.Value); err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish telemetry")
		return
	}
	b.logger.Debug().Str("topic", topic).Str("value", change.Value).Msg("Telemetry published")
}

// subscribeKnownSerials subscribes to the command topic of every serial the
// directory knows that has no active subscription yet.
func (b *BridgeService) subscribeKnownSerials() {
	for _, serial := range b.directory.Serials() {
		b.subMu.Lock()
		_, exists := b.subscribed[serial]
		b.subMu.Unlock()
		if exists {
			continue
		}

		topic := constants.CommandTopic(serial)
		if err := b.mqttClient.Subscribe(topic, b.qos, b.handleCommand); err != nil {
			b.logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe to command topic")
			continue
		}

		b.subMu.Lock()
		b.subscribed[serial] = struct{}{}
		b.subMu.Unlock()
		b.logger.Info().Str("topic", topic).Msg("Subscribed to command topic")
	}
}

// recoverRetainedState runs on every MQTT (re)connect: re-subscribe command
// topics and republish current snapshots so retained topics match reality.
func (b *BridgeService) recoverRetainedState() {
	b.subMu.Lock()
	b.subscribed = make(map[string]struct{})
	b.subMu.Unlock()

	b.subscribeKnownSerials()
	for _, change := range b.directory.SnapshotChanges() {
		b.publish(change)
	}
}

// handleCommand decodes a command-topic message and forwards it to the
// dispatcher. Unrecognized payloads are dropped before reaching the cloud.
func (b *BridgeService) handleCommand(_ MQTT.Client, msg MQTT.Message) {
	topic := msg.Topic()
	payload := string(msg.Payload())

	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		b.logger.Warn().Str("topic", topic).Msg("Invalid command topic")
		return
	}
	serial := parts[2]

	req, err := DecodeCommand(serial, payload)
	if err != nil {
		b.logger.Warn().Str("serial", serial).Str("payload", payload).Msg("Unrecognized command payload dropped")
		return
	}

	b.logger.Info().Str("serial", serial).Str("payload", payload).Msg("Command received")

	b.handlerMu.Lock()
	select {
	case <-b.stopChan:
		b.handlerMu.Unlock()
		b.logger.Warn().Str("serial", serial).Msg("Service is stopping, command ignored")
		return
	default:
		b.wg.Add(1)
	}
	runCtx := b.ctx
	b.handlerMu.Unlock()

	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(runCtx, constants.DefaultCommandTimeout)
		defer cancel()

		err := b.dispatcher.Dispatch(ctx, req)
		switch {
		case err == nil:
			b.logger.Info().Str("serial", serial).Str("payload", payload).Msg("Command accepted by cloud")
		case errors.Is(err, gardena.ErrBusy):
			b.logger.Info().Str("serial", serial).Msg("Command dropped, one already in flight")
		case errors.Is(err, gardena.ErrNotFound), errors.Is(err, gardena.ErrInvalidCommand):
			b.logger.Warn().Err(err).Str("serial", serial).Msg("Command rejected")
		default:
			b.logger.Error().Err(err).Str("serial", serial).Msg("Command failed, not retrying")
		}
	}()
}

// DecodeCommand maps one of the four accepted payload literals onto a command
// request. Anything else is invalid.
func DecodeCommand(serial, payload string) (models.CommandRequest, error) {
	req := models.CommandRequest{Serial: serial}
	switch payload {
	case constants.CommandPark:
		req.Kind = models.CommandPark
	case constants.CommandStart1h:
		req.Kind = models.CommandStart
		req.Duration = constants.Duration1h
	case constants.CommandStart3h:
		req.Kind = models.CommandStart
		req.Duration = constants.Duration3h
	case constants.CommandStart6h:
		req.Kind = models.CommandStart
		req.Duration = constants.Duration6h
	default:
		return models.CommandRequest{}, gardena.ErrInvalidCommand
	}
	return req, nil
}
