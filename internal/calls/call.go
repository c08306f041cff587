// Package calls keeps call state in Redis and routes call signaling between the
// participants' connections.
package calls

import (
	"time"

	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
)

// Type is the media type of a call.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// Status is the lifecycle state of a call.
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusDeclined   Status = "declined"
	StatusMissed     Status = "missed"
)

// Finished reports whether no further transitions are allowed.
func (s Status) Finished() bool {
	switch s {
	case StatusEnded, StatusDeclined, StatusMissed:
		return true
	}
	return false
}

// ParticipantStatus is one participant's state within a call.
type ParticipantStatus string

const (
	ParticipantInvited      ParticipantStatus = "invited"
	ParticipantConnecting   ParticipantStatus = "connecting"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// Participant is a user invited to or joined in a call.
type Participant struct {
	ID              string            `json:"id"`
	CallID          string            `json:"callId"`
	UserID          string            `json:"userId"`
	Status          ParticipantStatus `json:"status"`
	IsMuted         bool              `json:"isMuted"`
	IsVideoEnabled  bool              `json:"isVideoEnabled"`
	IsScreenSharing bool              `json:"isScreenSharing"`
	JoinedAt        *time.Time        `json:"joinedAt,omitempty"`
	LeftAt          *time.Time        `json:"leftAt,omitempty"`
}

// Call is the state document stored under call:<id>.
type Call struct {
	ID           string         `json:"id"`
	ChatID       string         `json:"chatId"`
	InitiatorID  string         `json:"initiatorId"`
	Type         Type           `json:"type"`
	Status       Status         `json:"status"`
	Participants []*Participant `json:"participants"`
	CreatedAt    time.Time      `json:"createdAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
	Duration     *int64         `json:"duration,omitempty"`
}

// MediaKind selects the participant flag changed by a media update.
type MediaKind int

const (
	MediaMute MediaKind = iota
	MediaVideo
	MediaScreenShare
)

var errCallFinished = errors.Wrap(errors.ErrNotFound, "call has already finished")

// newCall builds a ringing call. The initiator is always a participant and
// starts out connecting; duplicates in participantIDs are ignored.
func newCall(id, chatID, initiatorID string, typ Type, participantIDs []string, newID func() string, now time.Time) *Call {
	c := &Call{
		ID:          id,
		ChatID:      chatID,
		InitiatorID: initiatorID,
		Type:        typ,
		Status:      StatusRinging,
		CreatedAt:   now,
	}
	seen := make(map[string]bool, len(participantIDs)+1)
	add := func(userID string) {
		if userID == "" || seen[userID] {
			return
		}
		seen[userID] = true
		status := ParticipantInvited
		if userID == initiatorID {
			status = ParticipantConnecting
		}
		c.Participants = append(c.Participants, &Participant{
			ID:             newID(),
			CallID:         id,
			UserID:         userID,
			Status:         status,
			IsVideoEnabled: typ == TypeVideo,
		})
	}
	add(initiatorID)
	for _, userID := range participantIDs {
		add(userID)
	}
	return c
}

// Participant returns userID's entry, or nil.
func (c *Call) Participant(userID string) *Participant {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// Invitees returns every participant except the initiator.
func (c *Call) Invitees() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != c.InitiatorID {
			out = append(out, p.UserID)
		}
	}
	return out
}

func (c *Call) accept(userID string, now time.Time) error {
	if c.Status.Finished() {
		return errCallFinished
	}
	p := c.Participant(userID)
	if p == nil {
		return errors.Wrap(errors.ErrUnauthorized, "not a participant of call "+c.ID)
	}
	p.Status = ParticipantConnecting
	p.JoinedAt = &now

	joined := 0
	for _, p := range c.Participants {
		if p.Status == ParticipantConnecting || p.Status == ParticipantConnected {
			joined++
		}
	}
	if joined >= 2 && c.Status == StatusRinging {
		c.Status = StatusConnecting
		c.StartedAt = &now
	}
	return nil
}

func (c *Call) decline(userID string, now time.Time) error {
	if c.Status.Finished() {
		return errCallFinished
	}
	p := c.Participant(userID)
	if p == nil {
		return errors.Wrap(errors.ErrUnauthorized, "not a participant of call "+c.ID)
	}
	p.Status = ParticipantDisconnected

	if c.Status != StatusRinging {
		return nil
	}
	for _, p := range c.Participants {
		if p.UserID != c.InitiatorID && p.Status != ParticipantDisconnected {
			return nil
		}
	}
	c.Status = StatusDeclined
	c.EndedAt = &now
	return nil
}

func (c *Call) end(now time.Time) error {
	if c.Status.Finished() {
		return errCallFinished
	}
	c.Status = StatusEnded
	c.EndedAt = &now
	if c.StartedAt != nil {
		d := int64(now.Sub(*c.StartedAt) / time.Second)
		c.Duration = &d
	}
	for _, p := range c.Participants {
		if p.Status != ParticipantDisconnected {
			p.Status = ParticipantDisconnected
			p.LeftAt = &now
		}
	}
	return nil
}

func (c *Call) setMedia(userID string, kind MediaKind, enabled bool) error {
	if c.Status.Finished() {
		return errCallFinished
	}
	p := c.Participant(userID)
	if p == nil {
		return errors.Wrap(errors.ErrUnauthorized, "not a participant of call "+c.ID)
	}
	switch kind {
	case MediaMute:
		p.IsMuted = enabled
	case MediaVideo:
		p.IsVideoEnabled = enabled
	case MediaScreenShare:
		p.IsScreenSharing = enabled
	}
	return nil
}
