package models

// CommandKind identifies the operation requested for a mower.
type CommandKind string

const (
	CommandStart CommandKind = "START"
	CommandPark  CommandKind = "PARK"
)

// CommandRequest is a decoded inbound command. Duration is in seconds and
// only meaningful for START.
type CommandRequest struct {
	Serial   string
	Kind     CommandKind
	Duration int
}
