// Package protocol defines the message envelope exchanged between the webview
// and the editor host, and the payload types carried inside it.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Message is the envelope for every request, response and stream chunk.
// A response reuses the id of the request it answers.
type Message struct {
	MessageID   string          `json:"messageId"`
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data"`
}

// NewID returns a fresh message id.
func NewID() string {
	return uuid.New().String()
}

// NewMessage creates a message of the given type with a fresh id.
func NewMessage(messageType string, data any) (*Message, error) {
	return NewReply(NewID(), messageType, data)
}

// NewReply creates a message that reuses an existing id.
func NewReply(messageID, messageType string, data any) (*Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		MessageID:   messageID,
		MessageType: messageType,
		Data:        raw,
	}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}
		return v, nil
	default:
		return json.Marshal(data)
	}
}

// ParseData decodes the message data into v. Null data leaves v untouched.
func (m *Message) ParseData(v any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Result status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result wraps the data of a single response.
type Result struct {
	Status  string          `json:"status"`
	Content json.RawMessage `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// SuccessResult wraps content in a success result.
func SuccessResult(content any) (*Result, error) {
	raw, err := marshalData(content)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusSuccess, Content: raw}, nil
}

// ErrorResult wraps an error message in an error result.
func ErrorResult(code, message string) *Result {
	return &Result{Status: StatusError, Error: message, Code: code}
}

// StreamChunk is the data of one streaming message: a yielded value, the
// return value when Done is set, or a terminal failure when Error is set.
type StreamChunk struct {
	Done    bool            `json:"done"`
	Content json.RawMessage `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsError reports whether the chunk carries a terminal failure.
func (c *StreamChunk) IsError() bool {
	return c.Error != ""
}

// ErrEmptyMessageType is returned for an envelope without a type.
var ErrEmptyMessageType = errors.New("message type is required")

// Validate checks the envelope fields every transport relies on.
func (m *Message) Validate() error {
	if m.MessageType == "" {
		return ErrEmptyMessageType
	}
	return nil
}
