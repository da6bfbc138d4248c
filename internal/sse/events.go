package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event types sent to clients.
const (
	// EventRoutes carries the full routing snapshot. It is sent first on
	// every connection and again after each applied reload.
	EventRoutes = "routes"
	// EventReload reports the outcome of a config file reload.
	EventReload = "reload"
)

// Event is a message queued for broadcast.
type Event struct {
	Type    string
	Payload any
}

// ReloadPayload is the JSON payload for "reload" events.
type ReloadPayload struct {
	Applied bool      `json:"applied"`
	Profile string    `json:"profile"`
	Rules   int       `json:"rules"`
	Errors  []string  `json:"errors,omitempty"`
	At      time.Time `json:"at"`
}

// formatSSEEvent formats an SSE event with the given type and JSON-encoded data.
func formatSSEEvent(eventType string, data any) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal SSE event data: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", eventType, jsonData)
	return buf.Bytes(), nil
}

// formatKeepalive returns a SSE keepalive comment.
func formatKeepalive() []byte {
	return []byte(":keepalive\n\n")
}
