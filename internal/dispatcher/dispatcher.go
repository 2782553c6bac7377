package dispatcher

import (
	"context"
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/gardena-mqtt-bridge/internal/constants"
	"github.com/benmeehan/gardena-mqtt-bridge/internal/models"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/gardena"
)

// DeviceResolver resolves a serial to its device record.
type DeviceResolver interface {
	Lookup(serial string) (models.Device, error)
}

// CommandSender issues MOWER_CONTROL commands against the cloud.
type CommandSender interface {
	SendCommand(ctx context.Context, serviceID, command string, seconds int) error
}

// Dispatcher translates validated commands into cloud API calls, holding a
// per-serial exclusivity lock so at most one command is ever in flight per
// mower. Failed commands are not retried; starting a mower is not safely
// idempotent, so re-issuing is left to the operator.
type Dispatcher struct {
	directory DeviceResolver
	cloud     CommandSender
	inflight  cmap.ConcurrentMap[string, struct{}]
	logger    zerolog.Logger
}

// New initializes a Dispatcher.
func New(directory DeviceResolver, cloud CommandSender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		directory: directory,
		cloud:     cloud,
		inflight:  cmap.New[struct{}](),
		logger:    logger,
	}
}

// Dispatch validates the request, resolves the serial, takes the per-serial
// lock and issues the cloud call. Returns gardena.ErrInvalidCommand,
// gardena.ErrNotFound or gardena.ErrBusy without contacting the cloud when
// the request cannot proceed.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.CommandRequest) error {
	command, seconds, err := translate(req)
	if err != nil {
		return err
	}

	dev, err := d.directory.Lookup(req.Serial)
	if err != nil {
		return err
	}
	if dev.MowerServiceID == "" {
		return fmt.Errorf("%w: no mower service discovered for %s", gardena.ErrNotFound, req.Serial)
	}

	if !d.inflight.SetIfAbsent(req.Serial, struct{}{}) {
		return fmt.Errorf("%w: %s", gardena.ErrBusy, req.Serial)
	}
	defer d.inflight.Remove(req.Serial)

	d.logger.Info().Str("serial", req.Serial).Str("command", command).
		Int("seconds", seconds).Msg("Dispatching mower command")

	if err := d.cloud.SendCommand(ctx, dev.MowerServiceID, command, seconds); err != nil {
		return fmt.Errorf("command %s for %s: %w", command, req.Serial, err)
	}
	return nil
}

// translate maps a CommandRequest onto the cloud's command vocabulary. Only
// the three documented start durations are accepted.
func translate(req models.CommandRequest) (command string, seconds int, err error) {
	switch req.Kind {
	case models.CommandPark:
		return constants.MowerControlPark, 0, nil
	case models.CommandStart:
		switch req.Duration {
		case constants.Duration1h, constants.Duration3h, constants.Duration6h:
			return constants.MowerControlStart, req.Duration, nil
		default:
			return "", 0, fmt.Errorf("%w: unsupported duration %ds", gardena.ErrInvalidCommand, req.Duration)
		}
	default:
		return "", 0, fmt.Errorf("%w: unknown kind %q", gardena.ErrInvalidCommand, req.Kind)
	}
}
