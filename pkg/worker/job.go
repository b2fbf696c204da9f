package worker

import (
	"encoding/json"

	"gitsync/pkg/reposync"
)

// Job is a decoded sync request received by the worker.
type Job struct {
	// ID is the Watermill message UUID.
	ID string `json:"id"`
	// Topic is the name of the topic the message was received on.
	Topic string `json:"topic"`
	// Metadata contains message-broker-specific metadata.
	Metadata map[string]string `json:"metadata"`
	// Payload is the raw JSON payload of the message.
	Payload json.RawMessage `json:"payload"`
	// Request is the decoded sync request.
	Request reposync.Request `json:"request"`
}
