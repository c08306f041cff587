// Package bridge turns events from the service bus into room fanout on the
// gateway's local connections.
package bridge

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/ultrachat-gateway/internal/router"
	"github.com/nmxmxh/ultrachat-gateway/pkg/bus"
	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
	"github.com/nmxmxh/ultrachat-gateway/pkg/metrics"
)

// Client events produced from bus subjects.
const (
	EventMessageNew      = "message:new"
	EventMessageUpdate   = "message:update"
	EventMessageDelete   = "message:delete"
	EventMessageReaction = "message:reaction"
	EventChatUpdate      = "chat:update"
)

// NamespaceCalls routes a ws.broadcast to the calls channel.
const NamespaceCalls = "calls"

// chatSubjects maps chat-scoped bus subjects to the client event they become.
var chatSubjects = map[string]string{
	bus.SubjectMessageCreated:  EventMessageNew,
	bus.SubjectMessageUpdated:  EventMessageUpdate,
	bus.SubjectMessageDeleted:  EventMessageDelete,
	bus.SubjectMessageReaction: EventMessageReaction,
	bus.SubjectChatLastMessage: EventChatUpdate,
}

// Subscriber is the part of the bus the bridge consumes.
type Subscriber interface {
	Subscribe(subject string, h bus.Handler) (bus.Subscription, error)
}

// Broadcaster delivers to a room on one client channel.
type Broadcaster interface {
	BroadcastToRoom(room, event string, payload any, excludeConnID string) int
}

// BroadcastRequest is the generic ws.broadcast payload.
type BroadcastRequest struct {
	Room      string          `json:"room"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Namespace string          `json:"namespace,omitempty"`
}

// Bridge subscribes to the durable services' events. Each subject is handled on
// its subscription's delivery goroutine, so events of one chat reach clients in
// bus order.
type Bridge struct {
	sub   Subscriber
	chat  Broadcaster
	calls Broadcaster
	log   *zap.Logger
	subs  []bus.Subscription
}

// New creates a bridge delivering chat events through chat and call events through calls.
func New(sub Subscriber, chat, calls Broadcaster, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		sub:   sub,
		chat:  chat,
		calls: calls,
		log:   log.With(zap.String("module", "bridge")),
	}
}

// Start subscribes to every bridged subject.
func (b *Bridge) Start() error {
	subjects := make([]string, 0, len(chatSubjects)+1)
	for subject := range chatSubjects {
		subjects = append(subjects, subject)
	}
	subjects = append(subjects, bus.SubjectWSBroadcast)

	for _, subject := range subjects {
		s, err := b.sub.Subscribe(subject, b.handle)
		if err != nil {
			b.Stop()
			return errors.Wrap(err, "start bridge")
		}
		b.subs = append(b.subs, s)
	}
	b.log.Info("Event bridge subscribed", zap.Strings("subjects", subjects))
	return nil
}

// Stop removes every subscription.
func (b *Bridge) Stop() {
	for _, s := range b.subs {
		if err := s.Unsubscribe(); err != nil {
			b.log.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	b.subs = nil
}

func (b *Bridge) handle(ctx context.Context, subject string, data json.RawMessage) {
	var err error
	if subject == bus.SubjectWSBroadcast {
		err = b.handleBroadcast(data)
	} else {
		err = b.handleChatEvent(subject, data)
	}

	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
		errors.LogWithError(ctx, b.log, "Dropped bus event", err, zap.String("subject", subject))
	}
	metrics.BridgeEvents.WithLabelValues(subject, result).Inc()
}

func (b *Bridge) handleChatEvent(subject string, data json.RawMessage) error {
	event, ok := chatSubjects[subject]
	if !ok {
		return errors.Wrap(errors.ErrMalformedPayload, "unbridged subject "+subject)
	}
	var scope struct {
		ChatID string `json:"chatId"`
	}
	if err := json.Unmarshal(data, &scope); err != nil || scope.ChatID == "" {
		return errors.Wrap(errors.ErrMalformedPayload, "chatId missing")
	}
	payload, err := decodeNormalized(data)
	if err != nil {
		return errors.Mark(err, errors.ErrMalformedPayload)
	}
	n := b.chat.BroadcastToRoom(router.ChatRoom(scope.ChatID), event, payload, "")
	b.log.Debug("Bridged chat event", zap.String("subject", subject), zap.String("chat_id", scope.ChatID), zap.Int("delivered", n))
	return nil
}

func (b *Bridge) handleBroadcast(data json.RawMessage) error {
	var req BroadcastRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errors.Mark(err, errors.ErrMalformedPayload)
	}
	kind, _, ok := router.ParseRoom(req.Room)
	if !ok || req.Event == "" {
		return errors.Wrap(errors.ErrMalformedPayload, "ws.broadcast needs a room and an event")
	}
	payload, err := decodeNormalized(req.Data)
	if err != nil {
		return errors.Mark(err, errors.ErrMalformedPayload)
	}

	target := b.chat
	if kind == router.KindCall || strings.EqualFold(req.Namespace, NamespaceCalls) {
		target = b.calls
	}
	n := target.BroadcastToRoom(req.Room, req.Event, payload, "")
	b.log.Debug("Bridged broadcast", zap.String("room", req.Room), zap.String("event", req.Event), zap.Int("delivered", n))
	return nil
}
