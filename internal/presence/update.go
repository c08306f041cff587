package presence

import "time"

// EventUpdate is the client event announcing a status change.
const EventUpdate = "presence:update"

// Update is the presence:update payload.
type Update struct {
	UserID   string `json:"userId"`
	Status   Status `json:"status"`
	LastSeen string `json:"lastSeen"`
}

// NewUpdate builds the presence:update payload for userID.
func NewUpdate(userID string, status Status, at time.Time) Update {
	return Update{UserID: userID, Status: status, LastSeen: at.UTC().Format(lastSeenLayout)}
}
