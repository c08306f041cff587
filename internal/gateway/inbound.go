package gateway

import (
	"github.com/nmxmxh/ultrachat-gateway/internal/calls"
	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
	"github.com/nmxmxh/ultrachat-gateway/pkg/ws"
)

// Inbound client events.
const (
	EventMessageSend     = "message:send"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventMessageRead     = "message:read"
	EventChatJoin        = "chat:join"
	EventChatLeave       = "chat:leave"
	EventCallInitiate    = "call:initiate"
	EventCallAccept      = "call:accept"
	EventCallDecline     = "call:decline"
	EventCallEnd         = "call:end"
	EventSignalOffer     = "signal:offer"
	EventSignalAnswer    = "signal:answer"
	EventSignalCandidate = "signal:ice-candidate"
	EventCallMute        = "call:mute"
	EventCallVideo       = "call:video"
	EventCallScreenShare = "call:screen-share"
)

var knownEvents = map[string]struct{}{
	EventMessageSend: {}, EventTypingStart: {}, EventTypingStop: {}, EventMessageRead: {},
	EventChatJoin: {}, EventChatLeave: {}, EventCallInitiate: {}, EventCallAccept: {},
	EventCallDecline: {}, EventCallEnd: {}, EventSignalOffer: {}, EventSignalAnswer: {},
	EventSignalCandidate: {}, EventCallMute: {}, EventCallVideo: {}, EventCallScreenShare: {},
}

// inbound is the closed set of decoded client requests. Every implementation is
// handled in Controller.dispatch.
type inbound interface {
	validate() error
}

type messageSend struct {
	ChatID      string          `json:"chatId"`
	Content     string          `json:"content"`
	Type        string          `json:"type,omitempty"`
	ReplyToID   string          `json:"replyToId,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

func (m *messageSend) validate() error {
	if m.ChatID == "" {
		return errors.Wrap(errors.ErrMalformedPayload, "chatId is required")
	}
	if m.Content == "" && len(m.Attachments) == 0 {
		return errors.Wrap(errors.ErrMalformedPayload, "content is required")
	}
	if m.Type == "" {
		m.Type = "text"
	}
	return nil
}

type typing struct {
	ChatID string `json:"chatId"`
	active bool
}

func (t *typing) validate() error { return requireChat(t.ChatID) }

type messageRead struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

func (m *messageRead) validate() error {
	if m.MessageID == "" {
		return errors.Wrap(errors.ErrMalformedPayload, "messageId is required")
	}
	return requireChat(m.ChatID)
}

type chatMembership struct {
	ChatID string `json:"chatId"`
	join   bool
}

func (c *chatMembership) validate() error { return requireChat(c.ChatID) }

type callInitiate struct {
	ChatID         string     `json:"chatId"`
	Type           calls.Type `json:"type"`
	ParticipantIDs []string   `json:"participantIds"`
}

func (c *callInitiate) validate() error {
	if len(c.ParticipantIDs) == 0 {
		return errors.Wrap(errors.ErrMalformedPayload, "participantIds is required")
	}
	return requireChat(c.ChatID)
}

type callAction struct {
	CallID string `json:"callId"`
	event  string
}

func (c *callAction) validate() error { return requireCall(c.CallID) }

type signal struct {
	CallID    string          `json:"callId"`
	TargetID  string          `json:"targetId"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	kind      calls.SignalKind
}

func (s *signal) payload() json.RawMessage {
	switch s.kind {
	case calls.SignalOffer:
		return s.Offer
	case calls.SignalAnswer:
		return s.Answer
	default:
		return s.Candidate
	}
}

func (s *signal) validate() error {
	if s.TargetID == "" {
		return errors.Wrap(errors.ErrMalformedPayload, "targetId is required")
	}
	if len(s.payload()) == 0 {
		return errors.Wrap(errors.ErrMalformedPayload, "signal payload is required")
	}
	return requireCall(s.CallID)
}

type mediaUpdate struct {
	CallID          string `json:"callId"`
	IsMuted         *bool  `json:"isMuted,omitempty"`
	IsVideoEnabled  *bool  `json:"isVideoEnabled,omitempty"`
	IsScreenSharing *bool  `json:"isScreenSharing,omitempty"`
	kind            calls.MediaKind
}

func (m *mediaUpdate) enabled() *bool {
	switch m.kind {
	case calls.MediaMute:
		return m.IsMuted
	case calls.MediaVideo:
		return m.IsVideoEnabled
	default:
		return m.IsScreenSharing
	}
}

func (m *mediaUpdate) validate() error {
	if m.enabled() == nil {
		return errors.Wrap(errors.ErrMalformedPayload, "media flag is required")
	}
	return requireCall(m.CallID)
}

func requireChat(id string) error {
	if id == "" {
		return errors.Wrap(errors.ErrMalformedPayload, "chatId is required")
	}
	return nil
}

func requireCall(id string) error {
	if id == "" {
		return errors.Wrap(errors.ErrMalformedPayload, "callId is required")
	}
	return nil
}

// decodeInbound turns a client frame into its request type. Events that do not
// belong to channel are rejected like unknown ones.
func decodeInbound(channel Channel, msg ws.ClientMessage) (inbound, error) {
	var in inbound
	switch channel {
	case ChannelChat:
		switch msg.Event {
		case EventMessageSend:
			in = &messageSend{}
		case EventTypingStart:
			in = &typing{active: true}
		case EventTypingStop:
			in = &typing{}
		case EventMessageRead:
			in = &messageRead{}
		case EventChatJoin:
			in = &chatMembership{join: true}
		case EventChatLeave:
			in = &chatMembership{}
		}
	case ChannelCalls:
		switch msg.Event {
		case EventCallInitiate:
			in = &callInitiate{}
		case EventCallAccept, EventCallDecline, EventCallEnd:
			in = &callAction{event: msg.Event}
		case EventSignalOffer:
			in = &signal{kind: calls.SignalOffer}
		case EventSignalAnswer:
			in = &signal{kind: calls.SignalAnswer}
		case EventSignalCandidate:
			in = &signal{kind: calls.SignalICECandidate}
		case EventCallMute:
			in = &mediaUpdate{kind: calls.MediaMute}
		case EventCallVideo:
			in = &mediaUpdate{kind: calls.MediaVideo}
		case EventCallScreenShare:
			in = &mediaUpdate{kind: calls.MediaScreenShare}
		}
	}
	if in == nil {
		return nil, errors.Wrap(errors.ErrMalformedPayload, "unknown event "+msg.Event)
	}

	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return nil, errors.Wrap(errors.ErrMalformedPayload, msg.Event+" needs a data object")
	}
	if err := json.Unmarshal(msg.Data, in); err != nil {
		return nil, errors.Mark(err, errors.ErrMalformedPayload)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	return in, nil
}
