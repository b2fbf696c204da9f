package worker

import (
	"encoding/json"
	"errors"
	"strconv"

	"gitsync/pkg/reposync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/m-mizutani/goerr/v2"
)

// ErrInvalidPayload marks messages that can never be processed.
var ErrInvalidPayload = errors.New("invalid sync payload")

// Codec is an interface for decoding messages from a message broker into a Job.
type Codec interface {
	// Decode transforms a Watermill message into a Job.
	Decode(topic string, msg *message.Message) (*Job, error)
}

// DefaultCodec decodes a JSON payload of the form
// {"ownerid": 1, "username": "...", "using_integration": false}.
// When the payload omits ownerid, the "ownerid" metadata key is used.
type DefaultCodec struct{}

// Decode unmarshals a Watermill message into a Job.
func (DefaultCodec) Decode(topic string, msg *message.Message) (*Job, error) {
	var req reposync.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, goerr.Wrap(ErrInvalidPayload, err.Error(), goerr.V("uuid", msg.UUID))
	}

	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		metadata[key] = value
	}

	if req.OwnerID == 0 {
		if raw := msg.Metadata.Get("ownerid"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, goerr.Wrap(ErrInvalidPayload, "ownerid metadata is not a number", goerr.V("ownerid", raw))
			}
			req.OwnerID = id
		}
	}
	if req.OwnerID <= 0 {
		return nil, goerr.Wrap(ErrInvalidPayload, "ownerid is required", goerr.V("uuid", msg.UUID))
	}

	return &Job{
		ID:       msg.UUID,
		Topic:    topic,
		Metadata: metadata,
		Payload:  json.RawMessage(msg.Payload),
		Request:  req,
	}, nil
}
