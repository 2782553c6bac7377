package constants

import "time"

// Command payload literals accepted on the command topic.
const (
	CommandStart1h = "start_1h"
	CommandStart3h = "start_3h"
	CommandStart6h = "start_6h"
	CommandPark    = "park"
)

// Cloud-side MOWER_CONTROL command names.
const (
	MowerControlStart = "START_SECONDS_TO_OVERRIDE"
	MowerControlPark  = "PARK_UNTIL_NEXT_TASK"
)

// Accepted override durations for the start command.
const (
	Duration1h = int(1 * time.Hour / time.Second)
	Duration3h = int(3 * time.Hour / time.Second)
	Duration6h = int(6 * time.Hour / time.Second)
)

// Default timeout for a single command call against the cloud API.
const DefaultCommandTimeout = 30 * time.Second
