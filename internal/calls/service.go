package calls

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nmxmxh/ultrachat-gateway/internal/router"
	"github.com/nmxmxh/ultrachat-gateway/pkg/bus"
	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
)

// Client events emitted by the service.
const (
	EventAccepted            = "call:accepted"
	EventDeclined            = "call:declined"
	EventEnded               = "call:ended"
	EventParticipantMuted    = "call:participant-muted"
	EventParticipantVideo    = "call:participant-video"
	EventScreenShare         = "call:screen-share"
	EventSignalPrefix        = "signal:"
	notificationCallIncoming = "call_incoming"
)

// SignalKind is the WebRTC message being relayed.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// payloadField is the key the relayed payload travels under.
func (k SignalKind) payloadField() string {
	if k == SignalICECandidate {
		return "candidate"
	}
	return string(k)
}

// Rooms is the subset of the room router the service needs.
type Rooms interface {
	Join(connID, room string) error
	IsMember(connID, room string) bool
	BroadcastToRoom(room, event string, payload any, excludeConnID string) int
	BroadcastToRooms(rooms []string, event string, payload any, excludeConnID string) int
	CloseRoom(room string) int
}

// ICEServer is one STUN/TURN entry handed to clients.
type ICEServer struct {
	URLs string `json:"urls"`
}

// ICEConfig is the RTCConfiguration subset returned to clients.
type ICEConfig struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// Notification is the notification.send event published for incoming calls,
// one per recipient.
type Notification struct {
	UserID string            `json:"userId"`
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data"`
}

// Service implements call signaling on top of the room router.
type Service struct {
	store      *Store
	rooms      Rooms
	pub        bus.Publisher
	iceServers []string
	log        *zap.Logger
	now        func() time.Time
	newID      func() string
}

// NewService wires a call service.
func NewService(store *Store, rooms Rooms, pub bus.Publisher, iceServers []string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:      store,
		rooms:      rooms,
		pub:        pub,
		iceServers: iceServers,
		log:        log.With(zap.String("module", "calls")),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// Initiate creates a ringing call, joins the initiator's connection to the call
// room and publishes one notification event per invitee. Invitees get
// no socket event here; the notification pipeline delivers call:incoming.
func (s *Service) Initiate(ctx context.Context, initiatorID, connID, chatID string, typ Type, participantIDs []string) (*Call, error) {
	if chatID == "" {
		return nil, errors.Wrap(errors.ErrMalformedPayload, "chatId is required")
	}
	if typ != TypeVoice && typ != TypeVideo {
		return nil, errors.Wrap(errors.ErrMalformedPayload, "type must be voice or video")
	}

	c := newCall(s.newID(), chatID, initiatorID, typ, participantIDs, s.newID, s.now())
	invitees := c.Invitees()
	if len(invitees) == 0 {
		return nil, errors.Wrap(errors.ErrMalformedPayload, "participantIds must name at least one other user")
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	if err := s.rooms.Join(connID, router.CallRoom(c.ID)); err != nil {
		return nil, errors.Wrap(err, "join call room")
	}

	body := "Voice call"
	if typ == TypeVideo {
		body = "Video call"
	}
	for _, userID := range invitees {
		note := Notification{
			UserID: userID,
			Type:   notificationCallIncoming,
			Title:  "Incoming Call",
			Body:   body,
			Data:   map[string]string{"callId": c.ID, "chatId": chatID},
		}
		if err := s.pub.Publish(ctx, bus.SubjectNotificationSend, note); err != nil {
			s.log.Warn("Failed to publish call notification",
				zap.String("call_id", c.ID), zap.String("user_id", userID), zap.Error(err))
		}
	}

	s.log.Info("Call initiated",
		zap.String("call_id", c.ID),
		zap.String("chat_id", chatID),
		zap.String("initiator_id", initiatorID),
		zap.Int("invitees", len(invitees)))
	return c, nil
}

// Accept marks userID as joining, joins connID to the call room and tells the
// call room and the initiator.
func (s *Service) Accept(ctx context.Context, userID, connID, callID string) (*Call, error) {
	c, err := s.store.Update(ctx, callID, func(c *Call) error {
		return c.accept(userID, s.now())
	})
	if err != nil {
		return nil, err
	}
	room := router.CallRoom(callID)
	if err := s.rooms.Join(connID, room); err != nil {
		return nil, errors.Wrap(err, "join call room")
	}
	s.rooms.BroadcastToRooms([]string{room, router.UserRoom(c.InitiatorID)}, EventAccepted,
		map[string]string{"callId": callID, "userId": userID}, connID)
	return c, nil
}

// Decline marks userID as disconnected; the call becomes declined once every
// invitee has declined while it was still ringing.
func (s *Service) Decline(ctx context.Context, userID, connID, callID string) (*Call, error) {
	c, err := s.store.Update(ctx, callID, func(c *Call) error {
		return c.decline(userID, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.rooms.BroadcastToRooms([]string{router.CallRoom(callID), router.UserRoom(c.InitiatorID)}, EventDeclined,
		map[string]string{"callId": callID, "userId": userID}, connID)
	return c, nil
}

// Signal relays an offer, answer or ICE candidate to the target user's personal
// room only. The sender must have joined the call room.
func (s *Service) Signal(_ context.Context, userID, connID string, kind SignalKind, callID, targetID string, payload json.RawMessage) error {
	if callID == "" || targetID == "" {
		return errors.Wrap(errors.ErrMalformedPayload, "callId and targetId are required")
	}
	if !s.rooms.IsMember(connID, router.CallRoom(callID)) {
		return errors.Wrap(errors.ErrUnauthorized, "signal for call "+callID)
	}
	s.rooms.BroadcastToRoom(router.UserRoom(targetID), EventSignalPrefix+string(kind), map[string]any{
		"callId":            callID,
		"senderId":          userID,
		kind.payloadField(): payload,
	}, "")
	return nil
}

// End finishes the call, notifies the call room, publishes the history event and
// closes the local call room.
func (s *Service) End(ctx context.Context, userID, connID, callID string) (*Call, error) {
	room := router.CallRoom(callID)
	if !s.rooms.IsMember(connID, room) {
		return nil, errors.Wrap(errors.ErrUnauthorized, "end call "+callID)
	}
	c, err := s.store.Update(ctx, callID, func(c *Call) error {
		return c.end(s.now())
	})
	if err != nil {
		return nil, err
	}

	s.rooms.BroadcastToRoom(room, EventEnded, map[string]string{"callId": callID, "endedBy": userID}, "")
	if err := s.pub.Publish(ctx, bus.SubjectCallHistorySave, c); err != nil {
		s.log.Warn("Failed to publish call history", zap.String("call_id", callID), zap.Error(err))
	}
	s.rooms.CloseRoom(room)
	return c, nil
}

// UpdateMedia changes one of the sender's media flags and tells the rest of the call room.
func (s *Service) UpdateMedia(ctx context.Context, userID, connID, callID string, kind MediaKind, enabled bool) error {
	room := router.CallRoom(callID)
	if !s.rooms.IsMember(connID, room) {
		return errors.Wrap(errors.ErrUnauthorized, "media update for call "+callID)
	}
	if _, err := s.store.Update(ctx, callID, func(c *Call) error {
		return c.setMedia(userID, kind, enabled)
	}); err != nil {
		return err
	}

	var event, field string
	switch kind {
	case MediaMute:
		event, field = EventParticipantMuted, "isMuted"
	case MediaVideo:
		event, field = EventParticipantVideo, "isVideoEnabled"
	case MediaScreenShare:
		event, field = EventScreenShare, "isScreenSharing"
	}
	s.rooms.BroadcastToRoom(room, event, map[string]any{"callId": callID, "userId": userID, field: enabled}, connID)
	return nil
}

// Get returns the call if userID participates in it.
func (s *Service) Get(ctx context.Context, userID, callID string) (*Call, error) {
	c, err := s.store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if c.Participant(userID) == nil {
		return nil, errors.Wrap(errors.ErrUnauthorized, "call "+callID)
	}
	return c, nil
}

// ICEServers returns the STUN/TURN configuration for clients.
func (s *Service) ICEServers() ICEConfig {
	cfg := ICEConfig{ICEServers: make([]ICEServer, 0, len(s.iceServers))}
	for _, u := range s.iceServers {
		cfg.ICEServers = append(cfg.ICEServers, ICEServer{URLs: u})
	}
	return cfg
}
