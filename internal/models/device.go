package models

// AttributeSnapshot is the last-known state of a mower, assembled field by
// field from partial COMMON and MOWER updates. Integer fields use -1 for
// "never reported", string fields use the empty string.
type AttributeSnapshot struct {
	Name           string
	ModelType      string
	State          string
	BatteryLevel   int
	BatteryState   string
	Activity       string
	LastError      string
	OperatingHours int
	RFLinkLevel    int
	RFLinkState    string
}

// NewAttributeSnapshot returns a snapshot with every field unreported.
func NewAttributeSnapshot() AttributeSnapshot {
	return AttributeSnapshot{
		BatteryLevel:   -1,
		OperatingHours: -1,
		RFLinkLevel:    -1,
	}
}

// Device ties a cloud device identifier to the mower's serial number and its
// last-known attributes. MowerServiceID is the MOWER service handle commands
// are addressed to, discovered from the device's service relationships.
type Device struct {
	ID             string
	Serial         string
	MowerServiceID string
	Snapshot       AttributeSnapshot
}

// FieldChange is one (serial, field, value) triple reported by the device
// directory for the MQTT bridge to publish.
type FieldChange struct {
	Serial string
	Field  string
	Value  string
}
