package ws

import (
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
)

// EventAck and EventError are the reserved outbound event names.
const (
	EventAck   = "ack"
	EventError = "error"
	EventAuth  = "auth"
)

// ClientMessage is the JSON structure expected from a client.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	AckID string          `json:"ackId,omitempty"`
}

// Event is the frame sent to clients.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Ack answers a client message that carried an ackId.
type Ack struct {
	Event string `json:"event"`
	AckID string `json:"ackId,omitempty"`
	Data  any    `json:"data"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeEvent encodes an outbound event frame.
func EncodeEvent(event string, data any) ([]byte, error) {
	return json.Marshal(Event{Event: event, Data: data})
}

// EncodeAck encodes an ack frame.
func EncodeAck(ackID string, data any) ([]byte, error) {
	return json.Marshal(Ack{Event: EventAck, AckID: ackID, Data: data})
}

// EncodeError encodes an error frame. ackID may be empty.
func EncodeError(ackID, code, message string) ([]byte, error) {
	return json.Marshal(Ack{Event: EventError, AckID: ackID, Data: ErrorData{Code: code, Message: message}})
}

// DecodeClientMessage parses a client frame.
func DecodeClientMessage(b []byte) (ClientMessage, error) {
	var msg ClientMessage
	err := json.Unmarshal(b, &msg)
	return msg, err
}
