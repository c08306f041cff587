package redis

import (
	"strings"
)

// KeyBuilder helps build Redis keys according to our naming convention:
// <prefix><entity>:<id>. The entity names are shared with the durable services, so
// the prefix defaults to empty.
type KeyBuilder struct {
	prefix string
}

// NewKeyBuilder creates a new KeyBuilder with the given prefix.
func NewKeyBuilder(prefix string) *KeyBuilder {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &KeyBuilder{prefix: prefix}
}

// Build creates a Redis key following our naming convention.
func (kb *KeyBuilder) Build(entity, id string) string {
	return kb.prefix + entity + ":" + id
}

// Presence is the hash holding a user's status and lastSeen.
func (kb *KeyBuilder) Presence(userID string) string {
	return kb.Build(EntityPresence, userID)
}

// Sockets is the set of connection ids open for a user.
func (kb *KeyBuilder) Sockets(userID string) string {
	return kb.Build(EntitySockets, userID)
}

// Typing is the set of users typing in a chat.
func (kb *KeyBuilder) Typing(chatID string) string {
	return kb.Build(EntityTyping, chatID)
}

// Call is the JSON call state document.
func (kb *KeyBuilder) Call(callID string) string {
	return kb.Build(EntityCall, callID)
}

// Parse extracts the entity and id from a key built by this builder.
func (kb *KeyBuilder) Parse(key string) (entity, id string, ok bool) {
	if !strings.HasPrefix(key, kb.prefix) {
		return "", "", false
	}
	entity, id, ok = strings.Cut(strings.TrimPrefix(key, kb.prefix), ":")
	if !ok || entity == "" || id == "" {
		return "", "", false
	}
	return entity, id, true
}

// Prefix returns the prefix.
func (kb *KeyBuilder) Prefix() string {
	return kb.prefix
}
