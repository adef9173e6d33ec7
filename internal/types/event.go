package types

import "time"

const EventConfigChanged = "config_changed"

// ChangeEvent is the wire form of a config change notification. It is
// published once and not retained; delivery is the backend's problem.
type ChangeEvent struct {
	Event     string `json:"event"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// UTCNow returns the current time as an ISO-8601 UTC string, the format
// used in change events and metadata documents.
func UTCNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
