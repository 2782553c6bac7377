package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/gardena-mqtt-bridge/internal/models"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/gardena"
)

// fakeConn is a scripted stream connection feeding frames to the service.
type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.frames:
		return 1, frame, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}
func (c *fakeConn) SetPingHandler(func(string) error)         {}
func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out scripted connections in order.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) DialContext(context.Context, string) (StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.conns) {
		return nil, errors.New("no more scripted connections")
	}
	conn := d.conns[d.dials]
	d.dials++
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// fakeAPI serves grant requests, optionally failing with a scripted error.
type fakeAPI struct {
	mu       sync.Mutex
	err      error
	grants   int
	location string
}

func (f *fakeAPI) PrimaryLocation(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.location == "" {
		f.location = "loc-1"
	}
	return f.location, nil
}

func (f *fakeAPI) WebSocketURL(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.grants++
	return "wss://stream.test/ws", nil
}

// fakeSink records applied events and tracks bootstrap ordering.
type fakeSink struct {
	mu         sync.Mutex
	bootstraps int
	applied    []string
	changes    []models.FieldChange
}

func (f *fakeSink) Bootstrap(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootstraps++
	return nil
}

func (f *fakeSink) ApplyEvent(_ context.Context, item *gardena.StreamItem) []models.FieldChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, item.ID)
	return f.changes
}

func (f *fakeSink) SnapshotChanges() []models.FieldChange { return nil }

func (f *fakeSink) appliedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakeSink) bootstrapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootstraps
}

func fastConfig() StreamConfig {
	return StreamConfig{
		LivenessTimeout:  time.Second,
		PingInterval:     time.Second,
		SubscribeTimeout: time.Second,
		BackoffInitial:   time.Millisecond,
		BackoffMax:       10 * time.Millisecond,
		StableAfter:      time.Hour, // keep backoff growing in tests
	}
}

func newTestStreamService(api *fakeAPI, sink *fakeSink, dialer *fakeDialer) (*StreamService, chan models.FieldChange, chan struct{}, chan error) {
	changes := make(chan models.FieldChange, 64)
	resync := make(chan struct{}, 1)
	fatal := make(chan error, 1)
	s := NewStreamService(api, sink, fastConfig(), changes, resync, fatal, zerolog.Nop())
	s.SetDialer(dialer)
	return s, changes, resync, fatal
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStreamService_EventsFlowToSinkInOrder(t *testing.T) {
	api := &fakeAPI{}
	sink := &fakeSink{changes: []models.FieldChange{{Serial: "170000001", Field: "activity", Value: "MOWING"}}}
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	s, changes, resync, _ := newTestStreamService(api, sink, dialer)
	require.NoError(t, s.Start())
	defer s.Stop()

	waitFor(t, func() bool { return sink.bootstrapCount() == 1 }, "directory not bootstrapped")
	select {
	case <-resync:
	case <-time.After(time.Second):
		t.Fatal("no resync signal after bootstrap")
	}

	conn.frames <- []byte(`{"id":"mower-1","type":"MOWER","attributes":{"activity":{"value":"OK_CUTTING"}}}`)
	conn.frames <- []byte(`{"id":"common-1","type":"COMMON","attributes":{"batteryLevel":{"value":42}}}`)

	waitFor(t, func() bool { return len(sink.appliedIDs()) == 2 }, "events not applied")
	assert.Equal(t, []string{"mower-1", "common-1"}, sink.appliedIDs())
	assert.Equal(t, StateStreaming, s.State())

	// Every applied event forwarded its changes to the bridge.
	change := <-changes
	assert.Equal(t, "activity", change.Field)
}

func TestStreamService_ReconnectsAndRebootstraps(t *testing.T) {
	api := &fakeAPI{}
	sink := &fakeSink{}
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}

	s, _, _, _ := newTestStreamService(api, sink, dialer)
	require.NoError(t, s.Start())
	defer s.Stop()

	waitFor(t, func() bool { return sink.bootstrapCount() == 1 }, "first bootstrap missing")

	// Kill the first connection; the service must redial and bootstrap again
	// before processing further events.
	first.Close()

	waitFor(t, func() bool { return dialer.dialCount() == 2 }, "no reconnect after transport failure")
	waitFor(t, func() bool { return sink.bootstrapCount() == 2 }, "no bootstrap after reconnect")

	second.frames <- []byte(`{"id":"mower-1","type":"MOWER","attributes":{"activity":{"value":"PAUSED"}}}`)
	waitFor(t, func() bool { return len(sink.appliedIDs()) == 1 }, "event after reconnect not applied")
}

func TestStreamService_AuthFailureIsFatal(t *testing.T) {
	api := &fakeAPI{err: gardena.ErrAuth}
	sink := &fakeSink{}
	dialer := &fakeDialer{}

	s, _, _, fatal := newTestStreamService(api, sink, dialer)
	require.NoError(t, s.Start())
	defer s.Stop()

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, gardena.ErrAuth)
	case <-time.After(2 * time.Second):
		t.Fatal("auth failure not reported as fatal")
	}
	assert.Equal(t, 0, dialer.dialCount(), "no dial without credentials")
	assert.Equal(t, StateShuttingDown, s.State())
}

func TestStreamService_MalformedFramesAreDropped(t *testing.T) {
	api := &fakeAPI{}
	sink := &fakeSink{}
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	s, _, _, _ := newTestStreamService(api, sink, dialer)
	require.NoError(t, s.Start())
	defer s.Stop()

	waitFor(t, func() bool { return sink.bootstrapCount() == 1 }, "not bootstrapped")

	conn.frames <- []byte(`not json at all`)
	conn.frames <- []byte(`{"id":"mower-1","type":"MOWER","attributes":{"activity":{"value":"PAUSED"}}}`)

	waitFor(t, func() bool { return len(sink.appliedIDs()) == 1 }, "good frame after bad one not applied")
	assert.Equal(t, 1, dialer.dialCount(), "single malformed frame must not kill the connection")
}

func TestStreamService_RepeatedProtocolErrorsKillConnection(t *testing.T) {
	api := &fakeAPI{}
	sink := &fakeSink{}
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}

	s, _, _, _ := newTestStreamService(api, sink, dialer)
	require.NoError(t, s.Start())
	defer s.Stop()

	waitFor(t, func() bool { return dialer.dialCount() == 1 }, "not connected")
	for i := 0; i < maxProtocolErrors; i++ {
		first.frames <- []byte(`broken`)
	}

	waitFor(t, func() bool { return dialer.dialCount() == 2 }, "repeated protocol errors must trigger reconnect")
}

func TestStreamService_IdleSessionStillCountsAsStreaming(t *testing.T) {
	s, _, _, _ := newTestStreamService(&fakeAPI{}, &fakeSink{}, &fakeDialer{})

	conn := newFakeConn()
	go func() {
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}()

	streamed, err := s.stream(context.Background(), conn)
	require.Error(t, err)

	// A parked mower emits no events; the connection is kept alive by control
	// frames alone. The time it stayed healthy must still count toward backoff
	// stability.
	assert.GreaterOrEqual(t, streamed, 40*time.Millisecond)
	assert.Equal(t, StateStreaming, s.State())
}

func TestBackoffDoublesToCapAndResetsAfterStableSession(t *testing.T) {
	cfg := StreamConfig{
		BackoffInitial: time.Second,
		BackoffMax:     60 * time.Second,
		StableAfter:    30 * time.Second,
	}

	// Consecutive failed sessions double the delay up to the cap.
	backoff := cfg.BackoffInitial
	wants := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for _, want := range wants {
		var delay time.Duration
		delay, backoff = backoffAfter(backoff, 0, cfg)
		assert.GreaterOrEqual(t, delay, want*3/4)
		assert.LessOrEqual(t, delay, want*5/4)
	}

	// A session that streamed past the stability threshold restarts the ladder
	// from the initial interval.
	delay, next := backoffAfter(backoff, cfg.StableAfter, cfg)
	assert.GreaterOrEqual(t, delay, cfg.BackoffInitial*3/4)
	assert.LessOrEqual(t, delay, cfg.BackoffInitial*5/4)
	assert.Equal(t, 2*cfg.BackoffInitial, next)

	// Just shy of the threshold keeps climbing.
	_, next = backoffAfter(next, cfg.StableAfter-time.Millisecond, cfg)
	assert.Equal(t, 4*cfg.BackoffInitial, next)
}

func TestJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jitter(base)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestStreamStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "STREAMING", StateStreaming.String())
	assert.Equal(t, "SHUTTING_DOWN", StateShuttingDown.String())
}
