package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/gardena-mqtt-bridge/internal/constants"
	"github.com/benmeehan/gardena-mqtt-bridge/internal/models"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/gardena"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Lookup(serial string) (models.Device, error) {
	args := m.Called(serial)
	return args.Get(0).(models.Device), args.Error(1)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendCommand(ctx context.Context, serviceID, command string, seconds int) error {
	args := m.Called(ctx, serviceID, command, seconds)
	return args.Error(0)
}

func knownDevice() models.Device {
	return models.Device{ID: "dev-1", Serial: "170000001", MowerServiceID: "mower-1"}
}

func TestDispatcher_Park(t *testing.T) {
	resolver := new(mockResolver)
	sender := new(mockSender)
	resolver.On("Lookup", "170000001").Return(knownDevice(), nil)
	sender.On("SendCommand", mock.Anything, "mower-1", constants.MowerControlPark, 0).Return(nil)

	d := New(resolver, sender, zerolog.Nop())
	err := d.Dispatch(context.Background(), models.CommandRequest{Serial: "170000001", Kind: models.CommandPark})

	require.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestDispatcher_StartDurations(t *testing.T) {
	for _, seconds := range []int{constants.Duration1h, constants.Duration3h, constants.Duration6h} {
		resolver := new(mockResolver)
		sender := new(mockSender)
		resolver.On("Lookup", "170000001").Return(knownDevice(), nil)
		sender.On("SendCommand", mock.Anything, "mower-1", constants.MowerControlStart, seconds).Return(nil)

		d := New(resolver, sender, zerolog.Nop())
		err := d.Dispatch(context.Background(), models.CommandRequest{
			Serial: "170000001", Kind: models.CommandStart, Duration: seconds,
		})

		require.NoError(t, err)
		sender.AssertExpectations(t)
	}
}

func TestDispatcher_RejectsUnsupportedDuration(t *testing.T) {
	resolver := new(mockResolver)
	sender := new(mockSender)

	d := New(resolver, sender, zerolog.Nop())
	err := d.Dispatch(context.Background(), models.CommandRequest{
		Serial: "170000001", Kind: models.CommandStart, Duration: 7200,
	})

	assert.ErrorIs(t, err, gardena.ErrInvalidCommand)
	sender.AssertNotCalled(t, "SendCommand", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	resolver.AssertNotCalled(t, "Lookup", mock.Anything)
}

func TestDispatcher_UnknownSerialNoCloudCall(t *testing.T) {
	resolver := new(mockResolver)
	sender := new(mockSender)
	resolver.On("Lookup", "999999").Return(models.Device{}, gardena.ErrNotFound)

	d := New(resolver, sender, zerolog.Nop())
	err := d.Dispatch(context.Background(), models.CommandRequest{
		Serial: "999999", Kind: models.CommandStart, Duration: constants.Duration3h,
	})

	assert.ErrorIs(t, err, gardena.ErrNotFound)
	sender.AssertNotCalled(t, "SendCommand", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_SecondCommandIsBusy(t *testing.T) {
	resolver := new(mockResolver)
	resolver.On("Lookup", "170000001").Return(knownDevice(), nil)

	// Sender that blocks until released, holding the per-serial lock.
	release := make(chan struct{})
	started := make(chan struct{})
	sender := &blockingSender{release: release, started: started}

	d := New(resolver, sender, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := d.Dispatch(context.Background(), models.CommandRequest{Serial: "170000001", Kind: models.CommandPark})
		assert.NoError(t, err)
	}()

	<-started

	err := d.Dispatch(context.Background(), models.CommandRequest{Serial: "170000001", Kind: models.CommandPark})
	assert.ErrorIs(t, err, gardena.ErrBusy)
	assert.Equal(t, 1, sender.Calls(), "no second concurrent cloud call")

	close(release)
	wg.Wait()
}

func TestDispatcher_LockReleasedAfterFailure(t *testing.T) {
	resolver := new(mockResolver)
	sender := new(mockSender)
	resolver.On("Lookup", "170000001").Return(knownDevice(), nil)
	sender.On("SendCommand", mock.Anything, "mower-1", constants.MowerControlPark, 0).
		Return(errors.New("cloud said no")).Once()
	sender.On("SendCommand", mock.Anything, "mower-1", constants.MowerControlPark, 0).
		Return(nil).Once()

	d := New(resolver, sender, zerolog.Nop())
	req := models.CommandRequest{Serial: "170000001", Kind: models.CommandPark}

	err := d.Dispatch(context.Background(), req)
	require.Error(t, err)

	// The failed call must have released the lock for the operator's retry.
	err = d.Dispatch(context.Background(), req)
	assert.NoError(t, err)
}

// blockingSender holds the command call open until released.
type blockingSender struct {
	release    <-chan struct{}
	started    chan<- struct{}
	mu         sync.Mutex
	calls      int
	signalOnce sync.Once
}

func (b *blockingSender) SendCommand(ctx context.Context, _, _ string, _ int) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.signalOnce.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.New("test timed out")
	}
}

func (b *blockingSender) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
