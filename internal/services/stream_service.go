package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/benmeehan/gardena-mqtt-bridge/internal/models"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/gardena"
)

// StreamState names the stream client's connection states.
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateAuthenticated
	StateSubscribed
	StateStreaming
	StateShuttingDown
)

func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateStreaming:
		return "STREAMING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// consecutive protocol errors tolerated before the connection is treated as
// broken.
const maxProtocolErrors = 5

// StreamConfig tunes the stream client's liveness and reconnect behaviour.
type StreamConfig struct {
	LivenessTimeout  time.Duration `yaml:"liveness_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	BackoffInitial   time.Duration `yaml:"backoff_initial"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	StableAfter      time.Duration `yaml:"backoff_stable_after"`
	TraceFrames      bool          `yaml:"-"`
}

// StreamAPI is the slice of the cloud client the stream service uses.
type StreamAPI interface {
	PrimaryLocation(ctx context.Context) (string, error)
	WebSocketURL(ctx context.Context, locationID string) (string, error)
}

// EventSink receives decoded device events. Implemented by the device
// directory.
type EventSink interface {
	Bootstrap(ctx context.Context) error
	ApplyEvent(ctx context.Context, item *gardena.StreamItem) []models.FieldChange
	SnapshotChanges() []models.FieldChange
}

// Dialer opens a websocket connection. Narrowed to an interface so tests can
// stand in their own server.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string) (StreamConn, error)
}

// StreamConn is the slice of *websocket.Conn the service uses.
type StreamConn interface {
	ReadMessage() (int, []byte, error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	SetPingHandler(h func(string) error)
	Close() error
}

// wsDialer adapts gorilla's dialer to the Dialer interface.
type wsDialer struct {
	handshakeTimeout time.Duration
}

func (d wsDialer) DialContext(ctx context.Context, urlStr string) (StreamConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// StreamService owns the persistent push connection to the cloud: it obtains
// a streaming grant, dials, bootstraps the device directory, decodes frames
// into events and keeps the connection alive. One goroutine owns the whole
// connect/stream/reconnect cycle, so at most one reconnect attempt is ever in
// flight.
type StreamService struct {
	cloud     StreamAPI
	directory EventSink
	dialer    Dialer
	cfg       StreamConfig
	logger    zerolog.Logger

	// changes carries field changes to the MQTT bridge; resync signals that
	// the directory was rebuilt and command subscriptions may need refreshing.
	changes chan<- models.FieldChange
	resync  chan<- struct{}

	// fatal reports unrecoverable errors (auth) to the supervisor.
	fatal chan<- error

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewStreamService initializes a StreamService.
func NewStreamService(cloud StreamAPI, directory EventSink, cfg StreamConfig,
	changes chan<- models.FieldChange, resync chan<- struct{}, fatal chan<- error,
	logger zerolog.Logger) *StreamService {

	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 300 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 150 * time.Second
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = 30 * time.Second
	}

	return &StreamService{
		cloud:     cloud,
		directory: directory,
		dialer:    wsDialer{handshakeTimeout: cfg.SubscribeTimeout},
		cfg:       cfg,
		changes:   changes,
		resync:    resync,
		fatal:     fatal,
		logger:    logger,
	}
}

// SetDialer replaces the websocket dialer. Used by tests.
func (s *StreamService) SetDialer(d Dialer) { s.dialer = d }

// State returns the current connection state.
func (s *StreamService) State() StreamState {
	return StreamState(s.state.Load())
}

func (s *StreamService) setState(st StreamState) {
	old := StreamState(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debug().Str("from", old.String()).Str("to", st.String()).Msg("Stream state transition")
	}
}

// Start launches the connection loop.
func (s *StreamService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return errors.New("stream service is already running")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.ctx)
	}()

	s.logger.Info().Msg("Stream service started")
	return nil
}

// Stop cancels the connection loop and waits for it to exit.
func (s *StreamService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return errors.New("stream service is not running")
	}
	s.setState(StateShuttingDown)
	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil

	s.logger.Info().Msg("Stream service stopped")
	return nil
}

// run is the reconnect loop. Backoff doubles from the initial interval up to
// the cap with jitter, and resets once a session has streamed past the
// stability threshold.
func (s *StreamService) run(ctx context.Context) {
	backoff := s.cfg.BackoffInitial

	for {
		streamed, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, gardena.ErrAuth) {
			s.logger.Error().Err(err).Msg("Authentication failed on stream, shutting down")
			s.setState(StateShuttingDown)
			select {
			case s.fatal <- err:
			default:
			}
			return
		}

		s.setState(StateDisconnected)
		var delay time.Duration
		delay, backoff = backoffAfter(backoff, streamed, s.cfg)
		s.logger.Warn().Err(err).Dur("reconnect_in", delay).Msg("Stream session ended, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// backoffAfter computes the jittered delay before the next dial and the
// backoff carried into the following attempt. A session that streamed past the
// stability threshold restarts the ladder from the initial interval.
func backoffAfter(backoff, streamed time.Duration, cfg StreamConfig) (delay, next time.Duration) {
	if streamed >= cfg.StableAfter {
		backoff = cfg.BackoffInitial
	}
	delay = jitter(backoff)
	next = backoff * 2
	if next > cfg.BackoffMax {
		next = cfg.BackoffMax
	}
	return delay, next
}

// session runs one full connect/subscribe/stream cycle and reports how long
// the connection spent streaming.
func (s *StreamService) session(ctx context.Context) (streamed time.Duration, err error) {
	s.setState(StateConnecting)

	locationID, err := s.cloud.PrimaryLocation(ctx)
	if err != nil {
		return 0, err
	}

	grantCtx, cancel := context.WithTimeout(ctx, s.cfg.SubscribeTimeout)
	wsURL, err := s.cloud.WebSocketURL(grantCtx, locationID)
	cancel()
	if err != nil {
		return 0, err
	}
	s.setState(StateAuthenticated)

	conn, err := s.dialer.DialContext(ctx, wsURL)
	if err != nil {
		return 0, fmt.Errorf("%w: dialing stream: %w", gardena.ErrTransport, err)
	}
	defer conn.Close()
	s.setState(StateSubscribed)

	// The local view must reflect the cloud's device set before any event is
	// applied, covering devices added or removed while disconnected.
	if err := s.directory.Bootstrap(ctx); err != nil {
		return 0, fmt.Errorf("bootstrap after subscribe: %w", err)
	}
	s.publishChanges(ctx, s.directory.SnapshotChanges())
	s.signalResync()

	// Close the connection when ctx is cancelled so the blocking read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	return s.stream(ctx, conn)
}

// stream runs the receive loop until the connection dies or goes silent past
// the liveness timeout.
func (s *StreamService) stream(ctx context.Context, conn StreamConn) (time.Duration, error) {
	resetDeadline := func() {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.LivenessTimeout))
	}
	resetDeadline()

	// Any traffic from the cloud counts as liveness, control frames included.
	conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		resetDeadline()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	// Outgoing pings detect a dead TCP path from our side as well.
	pinger := time.NewTicker(s.cfg.PingInterval)
	defer pinger.Stop()
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		for {
			select {
			case <-pinger.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			case <-pingDone:
				return
			}
		}
	}()

	// The session is streaming as soon as the read loop starts: control-frame
	// traffic is consumed inside ReadMessage, so an idle connection kept alive
	// by ping/pong alone still counts toward the stability threshold.
	started := time.Now()
	s.setState(StateStreaming)
	protocolErrors := 0

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return time.Since(started), fmt.Errorf("%w: %w", gardena.ErrTransport, err)
		}
		resetDeadline()

		if s.cfg.TraceFrames {
			s.logger.Debug().RawJSON("frame", payload).Msg("Stream frame")
		}

		item, err := decodeFrame(payload)
		if err != nil {
			protocolErrors++
			s.logger.Warn().Err(err).Int("consecutive", protocolErrors).Msg("Malformed frame dropped")
			if protocolErrors >= maxProtocolErrors {
				return time.Since(started), fmt.Errorf("%w: %d consecutive malformed frames", gardena.ErrProtocol, protocolErrors)
			}
			continue
		}
		protocolErrors = 0

		switch item.Type {
		case gardena.ItemTypeLocation:
			// Not interesting; the bridge tracks devices, not gardens.
		case gardena.ItemTypeDevice, gardena.ItemTypeCommon, gardena.ItemTypeMower:
			s.publishChanges(ctx, s.directory.ApplyEvent(ctx, item))
		default:
			s.logger.Warn().Str("type", item.Type).Msg("Unhandled frame type")
		}
	}
}

// publishChanges forwards field changes to the bridge, preserving order.
func (s *StreamService) publishChanges(ctx context.Context, changes []models.FieldChange) {
	for _, change := range changes {
		select {
		case s.changes <- change:
		case <-ctx.Done():
			return
		}
	}
}

// signalResync nudges the bridge without blocking; a pending signal already
// covers this resync.
func (s *StreamService) signalResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

// decodeFrame parses one websocket frame into a stream item.
func decodeFrame(payload []byte) (*gardena.StreamItem, error) {
	var item gardena.StreamItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, fmt.Errorf("%w: %w", gardena.ErrProtocol, err)
	}
	if item.Type == "" {
		return nil, fmt.Errorf("%w: frame without type", gardena.ErrProtocol)
	}
	return &item, nil
}

// jitter spreads a delay over [0.75d, 1.25d] so reconnecting bridges do not
// stampede the cloud in lockstep.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}
