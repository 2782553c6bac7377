package constants

import "fmt"

// TopicPrefix is the root of every MQTT topic the bridge touches.
const TopicPrefix = "gardena/mower"

// Telemetry sub-topic names. Each maps 1:1 to an AttributeSnapshot field.
const (
	FieldBattery        = "battery"
	FieldBatteryState   = "battery_state"
	FieldActivity       = "activity"
	FieldLastError      = "last_error"
	FieldOperatingHours = "operating_hours"
	FieldName           = "name"
	FieldModelType      = "model_type"
	FieldState          = "state"
	FieldRFLinkLevel    = "rf_link_level"
	FieldRFLinkState    = "rf_link_state"
)

// TelemetryTopic builds the retained topic for one field of one mower.
func TelemetryTopic(serial, field string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, serial, field)
}

// CommandTopic builds the command topic for one mower.
func CommandTopic(serial string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefix, serial)
}
