package constants

// Mower activity values published to MQTT.
const (
	ActivityPaused        = "PAUSED"
	ActivityMowing        = "MOWING"
	ActivityGoingHome     = "GOING_HOME"
	ActivityCharging      = "CHARGING"
	ActivityParked        = "PARKED"
	ActivitySearchingZone = "SEARCHING_ZONE"
	ActivityUnknown       = "UNKNOWN"
)

// Battery state values published to MQTT.
const (
	BatteryStateOK         = "OK"
	BatteryStateLow        = "LOW"
	BatteryStateReplaceNow = "REPLACE_NOW"
	BatteryStateUnknown    = "UNKNOWN"
)

// activityByWireValue maps the cloud's activity codes to the published values.
var activityByWireValue = map[string]string{
	"PAUSED":                      ActivityPaused,
	"OK_CUTTING":                  ActivityMowing,
	"OK_CUTTING_TIMER_OVERRIDDEN": ActivityMowing,
	"OK_LEAVING":                  ActivitySearchingZone,
	"OK_SEARCHING":                ActivityGoingHome,
	"OK_CHARGING":                 ActivityCharging,
	"PARKED_TIMER":                ActivityParked,
	"PARKED_AUTOTIMER":            ActivityParked,
	"PARKED_PARK_SELECTED":        ActivityParked,
}

// batteryStateByWireValue maps the cloud's battery state codes to the published
// values. CHARGING is a healthy battery; the charging condition itself is
// visible through the activity topic.
var batteryStateByWireValue = map[string]string{
	"OK":          BatteryStateOK,
	"CHARGING":    BatteryStateOK,
	"LOW":         BatteryStateLow,
	"REPLACE_NOW": BatteryStateReplaceNow,
}

// NormalizeActivity converts a cloud activity code to its published value.
func NormalizeActivity(wire string) (string, bool) {
	if v, ok := activityByWireValue[wire]; ok {
		return v, true
	}
	return ActivityUnknown, false
}

// NormalizeBatteryState converts a cloud battery state code to its published value.
func NormalizeBatteryState(wire string) (string, bool) {
	if v, ok := batteryStateByWireValue[wire]; ok {
		return v, true
	}
	return BatteryStateUnknown, false
}
