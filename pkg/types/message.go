// Package types decodes the opencode message and part payloads the bridge
// consumes, and describes the parts it sends.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingField is returned when a decoded payload lacks a required field.
var ErrMissingField = errors.New("missing required field")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is the info half of a message returned by the server.
type Message struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionID"`
	Role       string        `json:"role"`
	Time       MessageTime   `json:"time"`
	Agent      string        `json:"agent,omitempty"`
	Model      *ModelRef     `json:"model,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Finish     *string       `json:"finish,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// MessageError represents an error that occurred during message processing.
// Format: {"name": "UnknownError", "data": {"message": "..."}}
type MessageError struct {
	Name string           `json:"name"`
	Data MessageErrorData `json:"data"`
}

// MessageErrorData contains the error details.
type MessageErrorData struct {
	Message    string `json:"message"`
	ProviderID string `json:"providerID,omitempty"`
}

func (e *MessageError) Error() string {
	if e.Data.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Data.Message
}

// MessageWithParts is a message and its parts, as returned by the
// message endpoints and the prompt call.
type MessageWithParts struct {
	Info  Message `json:"info"`
	Parts []Part  `json:"parts"`
}

// UnmarshalJSON decodes the part union.
func (m *MessageWithParts) UnmarshalJSON(data []byte) error {
	var aux struct {
		Info  *Message          `json:"info"`
		Parts []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Info == nil {
		return fmt.Errorf("message: %w: info", ErrMissingField)
	}

	m.Info = *aux.Info
	m.Parts = make([]Part, 0, len(aux.Parts))
	for _, raw := range aux.Parts {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}
