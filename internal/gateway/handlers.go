package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/nmxmxh/ultrachat-gateway/internal/router"
	"github.com/nmxmxh/ultrachat-gateway/pkg/bus"
	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/logger"
)

// dispatch runs the handler of one decoded request and returns the ack payload.
func (c *Controller) dispatch(ctx context.Context, s *session, in inbound) (any, error) {
	switch m := in.(type) {
	case *messageSend:
		return c.sendMessage(ctx, s, m)
	case *typing:
		return nil, c.setTyping(ctx, s, m)
	case *messageRead:
		return nil, c.markRead(ctx, s, m)
	case *chatMembership:
		return nil, c.changeMembership(s, m)
	case *callInitiate:
		call, err := c.deps.Calls.Initiate(ctx, s.userID, s.connID, m.ChatID, m.Type, m.ParticipantIDs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"callId": call.ID, "call": call}, nil
	case *callAction:
		return c.callAction(ctx, s, m)
	case *signal:
		return nil, c.deps.Calls.Signal(ctx, s.userID, s.connID, m.kind, m.CallID, m.TargetID, m.payload())
	case *mediaUpdate:
		return nil, c.deps.Calls.UpdateMedia(ctx, s.userID, s.connID, m.CallID, m.kind, *m.enabled())
	default:
		return nil, errors.Wrap(errors.ErrMalformedPayload, "unhandled request")
	}
}

// requireChatMember rejects room-scoped actions on chats the connection never joined.
func (c *Controller) requireChatMember(s *session, chatID string) error {
	if !c.deps.Router.IsMember(s.connID, router.ChatRoom(chatID)) {
		return errors.Wrap(errors.ErrUnauthorized, "chat "+chatID)
	}
	return nil
}

// sendMessage hands the message to the messages service. Clients see it once the
// persisted copy comes back as message:new.
func (c *Controller) sendMessage(ctx context.Context, s *session, m *messageSend) (any, error) {
	if err := c.requireChatMember(s, m.ChatID); err != nil {
		return nil, err
	}
	event := map[string]any{
		"chatId":   m.ChatID,
		"senderId": s.userID,
		"content":  m.Content,
		"type":     m.Type,
	}
	if m.ReplyToID != "" {
		event["replyToId"] = m.ReplyToID
	}
	if len(m.Attachments) > 0 {
		event["attachments"] = m.Attachments
	}
	if err := c.deps.Publisher.Publish(ctx, bus.SubjectMessageSend, event); err != nil {
		return nil, errors.LogWithError(ctx, logger.FromContext(ctx, c.log), "Failed to queue message", err,
			zap.String("chat_id", m.ChatID))
	}
	return map[string]bool{"accepted": true}, nil
}

func (c *Controller) setTyping(ctx context.Context, s *session, m *typing) error {
	if err := c.requireChatMember(s, m.ChatID); err != nil {
		return err
	}
	if c.deps.Presence != nil {
		if err := c.deps.Presence.SetTyping(ctx, s.userID, m.ChatID, m.active); err != nil {
			s.log.Warn("Failed to record typing state", zap.String("chat_id", m.ChatID), zap.Error(err))
		}
	}
	event := EventTypingStop
	if m.active {
		event = EventTypingStart
	}
	c.deps.Router.BroadcastToRoom(router.ChatRoom(m.ChatID), event,
		map[string]string{"chatId": m.ChatID, "userId": s.userID}, s.connID)
	return nil
}

func (c *Controller) markRead(ctx context.Context, s *session, m *messageRead) error {
	if err := c.requireChatMember(s, m.ChatID); err != nil {
		return err
	}
	err := c.deps.Publisher.Publish(ctx, bus.SubjectMessageRead, map[string]string{
		"chatId":    m.ChatID,
		"messageId": m.MessageID,
		"userId":    s.userID,
	})
	if err != nil {
		s.log.Warn("Dropped read receipt", zap.String("chat_id", m.ChatID), zap.Error(err))
	}
	return nil
}

func (c *Controller) changeMembership(s *session, m *chatMembership) error {
	room := router.ChatRoom(m.ChatID)
	if !m.join {
		c.deps.Router.Leave(s.connID, room)
		return nil
	}
	return c.deps.Router.Join(s.connID, room)
}

func (c *Controller) callAction(ctx context.Context, s *session, m *callAction) (any, error) {
	var err error
	switch m.event {
	case EventCallAccept:
		_, err = c.deps.Calls.Accept(ctx, s.userID, s.connID, m.CallID)
	case EventCallDecline:
		_, err = c.deps.Calls.Decline(ctx, s.userID, s.connID, m.CallID)
	case EventCallEnd:
		_, err = c.deps.Calls.End(ctx, s.userID, s.connID, m.CallID)
	}
	if err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}
