package directory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/gardena-mqtt-bridge/internal/constants"
	"github.com/benmeehan/gardena-mqtt-bridge/internal/models"
	"github.com/benmeehan/gardena-mqtt-bridge/pkg/gardena"
)

// CloudLister is the slice of the cloud API the directory needs to rebuild
// itself.
type CloudLister interface {
	PrimaryLocation(ctx context.Context) (string, error)
	ListLocationItems(ctx context.Context, locationID string) ([]gardena.StreamItem, error)
}

// Directory maintains the mapping from cloud device identifiers to mower
// serial numbers and their last-known attribute snapshots. It is mutated only
// by the stream-receive goroutine; the dispatcher and the MQTT bridge read it
// concurrently behind the lock.
type Directory struct {
	cloud  CloudLister
	logger zerolog.Logger

	mu       sync.RWMutex
	devices  map[string]*models.Device
	bySerial map[string]string
}

// New initializes an empty Directory.
func New(cloud CloudLister, logger zerolog.Logger) *Directory {
	return &Directory{
		cloud:    cloud,
		logger:   logger,
		devices:  make(map[string]*models.Device),
		bySerial: make(map[string]string),
	}
}

// Bootstrap performs a REST listing of the account's location and replaces
// the directory with the devices found there. Snapshots of devices that
// survive the rebuild are kept, so a reconnect does not reset fields the
// cloud has not re-reported.
func (d *Directory) Bootstrap(ctx context.Context) error {
	locationID, err := d.cloud.PrimaryLocation(ctx)
	if err != nil {
		return fmt.Errorf("resolving location: %w", err)
	}

	items, err := d.cloud.ListLocationItems(ctx, locationID)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rebuilt := make(map[string]*models.Device)
	for _, item := range items {
		item := item
		deviceID := item.DeviceID()
		if deviceID == "" {
			continue
		}
		dev := rebuilt[deviceID]
		if dev == nil {
			if prev, ok := d.devices[deviceID]; ok {
				copied := *prev
				dev = &copied
			} else {
				dev = &models.Device{ID: deviceID, Snapshot: models.NewAttributeSnapshot()}
			}
			rebuilt[deviceID] = dev
		}
		d.applyItemLocked(dev, &item)
	}

	d.devices = rebuilt
	d.bySerial = make(map[string]string, len(rebuilt))
	for id, dev := range rebuilt {
		if dev.Serial != "" {
			d.bySerial[dev.Serial] = id
		}
	}

	d.logger.Info().Int("devices", len(rebuilt)).Msg("Device directory rebuilt")
	return nil
}

// ApplyEvent folds a decoded push event into the directory and returns the
// (serial, field, value) triples whose values changed. An event for an
// unknown device triggers exactly one resync before the event is dropped.
func (d *Directory) ApplyEvent(ctx context.Context, item *gardena.StreamItem) []models.FieldChange {
	deviceID := item.DeviceID()
	if deviceID == "" {
		d.logger.Debug().Str("type", item.Type).Str("id", item.ID).Msg("Event without device reference dropped")
		return nil
	}

	if changes, known := d.apply(deviceID, item); known {
		return changes
	}

	d.logger.Warn().Str("device_id", deviceID).Msg("Event for unknown device, resyncing directory")
	if err := d.Bootstrap(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Directory resync failed, event dropped")
		return nil
	}

	changes, known := d.apply(deviceID, item)
	if !known {
		d.logger.Warn().Str("device_id", deviceID).Msg("Device still unknown after resync, event dropped")
		return nil
	}
	return changes
}

// apply updates the device the event refers to, reporting whether it is known.
func (d *Directory) apply(deviceID string, item *gardena.StreamItem) ([]models.FieldChange, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[deviceID]
	if !ok {
		return nil, false
	}

	before := dev.Snapshot
	oldSerial := dev.Serial
	d.applyItemLocked(dev, item)

	if dev.Serial != oldSerial && dev.Serial != "" {
		if oldSerial != "" {
			delete(d.bySerial, oldSerial)
		}
		d.bySerial[dev.Serial] = deviceID
	}

	if dev.Serial == "" {
		// No serial yet, nothing can be published; the fields are kept and
		// surface once a COMMON update or bootstrap names the mower.
		return nil, true
	}
	if oldSerial == "" {
		// The mower was just named; everything stashed while it was anonymous
		// becomes publishable now.
		return diffSnapshot(dev.Serial, models.NewAttributeSnapshot(), dev.Snapshot), true
	}
	return diffSnapshot(dev.Serial, before, dev.Snapshot), true
}

// applyItemLocked folds one DEVICE/COMMON/MOWER item into the device record.
func (d *Directory) applyItemLocked(dev *models.Device, item *gardena.StreamItem) {
	switch item.Type {
	case gardena.ItemTypeDevice:
		if ids := item.ServiceIDs(gardena.ItemTypeMower); len(ids) > 0 {
			dev.MowerServiceID = ids[0]
		}

	case gardena.ItemTypeCommon:
		if v, ok := item.StringAttribute("serial"); ok {
			dev.Serial = v
		}
		if v, ok := item.StringAttribute("name"); ok {
			dev.Snapshot.Name = v
		}
		if v, ok := item.StringAttribute("modelType"); ok {
			dev.Snapshot.ModelType = v
		}
		if v, ok := item.IntAttribute("batteryLevel"); ok {
			dev.Snapshot.BatteryLevel = v
		}
		if v, ok := item.StringAttribute("batteryState"); ok {
			state, known := constants.NormalizeBatteryState(v)
			if !known {
				d.logger.Warn().Str("battery_state", v).Msg("Unknown battery state reported")
			}
			dev.Snapshot.BatteryState = state
		}
		if v, ok := item.IntAttribute("rfLinkLevel"); ok {
			dev.Snapshot.RFLinkLevel = v
		}
		if v, ok := item.StringAttribute("rfLinkState"); ok {
			dev.Snapshot.RFLinkState = v
		}

	case gardena.ItemTypeMower:
		if dev.MowerServiceID == "" {
			dev.MowerServiceID = item.ID
		}
		if v, ok := item.StringAttribute("state"); ok {
			dev.Snapshot.State = v
		}
		if v, ok := item.StringAttribute("activity"); ok {
			activity, known := constants.NormalizeActivity(v)
			if !known {
				d.logger.Warn().Str("activity", v).Msg("Unknown activity reported")
			}
			dev.Snapshot.Activity = activity
		}
		if v, ok := item.StringAttribute("lastErrorCode"); ok {
			dev.Snapshot.LastError = v
		}
		if v, ok := item.IntAttribute("operatingHours"); ok {
			dev.Snapshot.OperatingHours = v
		}
	}
}

// Lookup resolves a serial to its device. Returns gardena.ErrNotFound for a
// serial the directory has never seen.
func (d *Directory) Lookup(serial string) (models.Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.bySerial[serial]
	if !ok {
		return models.Device{}, fmt.Errorf("%w: %s", gardena.ErrNotFound, serial)
	}
	return *d.devices[id], nil
}

// Serials returns every serial currently known.
func (d *Directory) Serials() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	serials := make([]string, 0, len(d.bySerial))
	for serial := range d.bySerial {
		serials = append(serials, serial)
	}
	return serials
}

// SnapshotChanges renders the full current state of every device as field
// changes, for retained-state recovery after an MQTT reconnect or bootstrap.
func (d *Directory) SnapshotChanges() []models.FieldChange {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var changes []models.FieldChange
	for _, dev := range d.devices {
		if dev.Serial == "" {
			continue
		}
		changes = append(changes, diffSnapshot(dev.Serial, models.NewAttributeSnapshot(), dev.Snapshot)...)
	}
	return changes
}

// diffSnapshot reports every field whose value differs between two snapshots.
func diffSnapshot(serial string, before, after models.AttributeSnapshot) []models.FieldChange {
	var changes []models.FieldChange
	add := func(field, value string) {
		changes = append(changes, models.FieldChange{Serial: serial, Field: field, Value: value})
	}

	if after.BatteryLevel != before.BatteryLevel {
		add(constants.FieldBattery, strconv.Itoa(after.BatteryLevel))
	}
	if after.BatteryState != before.BatteryState {
		add(constants.FieldBatteryState, after.BatteryState)
	}
	if after.Activity != before.Activity {
		add(constants.FieldActivity, after.Activity)
	}
	if after.LastError != before.LastError {
		add(constants.FieldLastError, after.LastError)
	}
	if after.OperatingHours != before.OperatingHours {
		add(constants.FieldOperatingHours, strconv.Itoa(after.OperatingHours))
	}
	if after.Name != before.Name {
		add(constants.FieldName, after.Name)
	}
	if after.ModelType != before.ModelType {
		add(constants.FieldModelType, after.ModelType)
	}
	if after.State != before.State {
		add(constants.FieldState, after.State)
	}
	if after.RFLinkLevel != before.RFLinkLevel {
		add(constants.FieldRFLinkLevel, strconv.Itoa(after.RFLinkLevel))
	}
	if after.RFLinkState != before.RFLinkState {
		add(constants.FieldRFLinkState, after.RFLinkState)
	}
	return changes
}
