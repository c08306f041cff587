package bus

import (
	"strings"

	"github.com/google/uuid"
	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
)

// The durable services speak the NestJS NATS transport: events are wrapped as
// {pattern, data}, requests add a correlation id, replies carry {id, response, err, isDisposed}.

type eventEnvelope struct {
	Pattern string `json:"pattern"`
	Data    any    `json:"data"`
}

type requestEnvelope struct {
	Pattern string `json:"pattern"`
	Data    any    `json:"data"`
	ID      string `json:"id"`
}

type replyEnvelope struct {
	ID         string          `json:"id"`
	Response   json.RawMessage `json:"response"`
	Err        json.RawMessage `json:"err"`
	IsDisposed bool            `json:"isDisposed"`
}

// EncodeEvent wraps data in an event envelope.
func EncodeEvent(subject string, data any) ([]byte, error) {
	return json.Marshal(eventEnvelope{Pattern: subject, Data: data})
}

// EncodeRequest wraps data in a request envelope with a fresh correlation id.
func EncodeRequest(subject string, data any) ([]byte, string, error) {
	id := uuid.NewString()
	b, err := json.Marshal(requestEnvelope{Pattern: subject, Data: data, ID: id})
	return b, id, err
}

// DecodeEvent strips the event envelope. Payloads published without one are
// returned unchanged.
func DecodeEvent(body []byte) json.RawMessage {
	var env struct {
		Pattern *json.RawMessage `json:"pattern"`
		Data    json.RawMessage  `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Pattern == nil || env.Data == nil {
		return json.RawMessage(body)
	}
	return env.Data
}

// DecodeReply unpacks a reply into out. A non-null err field becomes ErrRequestFailed.
func DecodeReply(body []byte, out any) error {
	var env replyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return errors.Mark(errors.Wrap(err, "decode reply"), errors.ErrRequestFailed)
	}
	if len(env.Err) > 0 && string(env.Err) != "null" {
		return errors.Mark(errors.New(replyErrorMessage(env.Err)), errors.ErrRequestFailed)
	}
	if out == nil || len(env.Response) == 0 || string(env.Response) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return errors.Mark(errors.Wrap(err, "decode response"), errors.ErrRequestFailed)
	}
	return nil
}

// EncodeReply builds a reply envelope. Used by in-process responders.
func EncodeReply(id string, response any, replyErr error) ([]byte, error) {
	env := map[string]any{"id": id, "response": response, "err": nil, "isDisposed": true}
	if replyErr != nil {
		env["response"] = nil
		env["err"] = map[string]string{"message": replyErr.Error()}
	}
	return json.Marshal(env)
}

func replyErrorMessage(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return strings.TrimSpace(string(raw))
}
