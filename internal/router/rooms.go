package router

import "strings"

// Room kinds.
const (
	KindChat = "chat"
	KindUser = "user"
	KindCall = "call"
)

func ChatRoom(chatID string) string { return KindChat + ":" + chatID }
func UserRoom(userID string) string { return KindUser + ":" + userID }
func CallRoom(callID string) string { return KindCall + ":" + callID }

// ParseRoom splits a room key into kind and id.
func ParseRoom(key string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(key, ":")
	if !ok || id == "" {
		return "", "", false
	}
	switch kind {
	case KindChat, KindUser, KindCall:
		return kind, id, true
	default:
		return "", "", false
	}
}
