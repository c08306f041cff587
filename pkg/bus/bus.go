// Package bus is the gateway's view of the service message bus: fire-and-forget
// events, request/reply with a bounded wait, and plain (non-queue) subscriptions
// so that every gateway instance sees every event.
package bus

import (
	"context"

	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
)

// Subjects used by the gateway.
const (
	SubjectAuthValidate     = "auth.validate"
	SubjectChatList         = "chat.list"
	SubjectMessageSend      = "message.send"
	SubjectMessageRead      = "message.read"
	SubjectMessageCreated   = "message.created"
	SubjectMessageUpdated   = "message.updated"
	SubjectMessageDeleted   = "message.deleted"
	SubjectMessageReaction  = "message.reaction"
	SubjectChatLastMessage  = "chat.update.lastMessage"
	SubjectWSBroadcast      = "ws.broadcast"
	SubjectCallHistorySave  = "call.history.save"
	SubjectNotificationSend = "notification.send"
)

// Handler receives the event payload with the transport envelope removed.
type Handler func(ctx context.Context, subject string, data json.RawMessage)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Publisher publishes fire-and-forget events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
}

// Requester performs request/reply. out receives the decoded response and may be nil.
type Requester interface {
	Request(ctx context.Context, subject string, data any, out any) error
}

// Bus is the full transport.
type Bus interface {
	Publisher
	Requester
	Subscribe(subject string, h Handler) (Subscription, error)
}
