// Package presence keeps user status, socket sets and typing sets in Redis.
// Every read-modify-write is a single MULTI/EXEC so concurrent gateways never
// lose an update.
package presence

import (
	"context"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/redis"
)

// Status is a user's presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
	StatusDND     Status = "dnd"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway, StatusDND:
		return true
	}
	return false
}

// lastSeenLayout matches the ISO strings the other services write.
const lastSeenLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is the presence hash of one user.
type Record struct {
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// Store is the Redis-backed presence store.
type Store struct {
	rdb  *redis.Client
	keys *redis.KeyBuilder
	now  func() time.Time
}

// NewStore creates a store on client using keys for naming.
func NewStore(client *redis.Client, keys *redis.KeyBuilder) *Store {
	if keys == nil {
		keys = redis.NewKeyBuilder("")
	}
	return &Store{rdb: client, keys: keys, now: time.Now}
}

// SetOnline marks userID online; the record expires unless refreshed.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	return s.setLive(ctx, userID, StatusOnline)
}

// SetOffline marks userID offline. Offline records do not expire.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	key := s.keys.Presence(userID)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key, "status", string(StatusOffline), "lastSeen", s.stamp())
		p.Persist(ctx, key)
		return nil
	})
	return storeErr(err, "set offline")
}

// SetStatus sets an explicit status.
func (s *Store) SetStatus(ctx context.Context, userID string, status Status) error {
	switch status {
	case StatusOffline:
		return s.SetOffline(ctx, userID)
	case StatusOnline, StatusAway, StatusDND:
		return s.setLive(ctx, userID, status)
	default:
		return errors.Wrap(errors.ErrMalformedPayload, "unknown status "+string(status))
	}
}

func (s *Store) setLive(ctx context.Context, userID string, status Status) error {
	key := s.keys.Presence(userID)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key, "status", string(status), "lastSeen", s.stamp())
		p.Expire(ctx, key, redis.TTLPresence)
		return nil
	})
	return storeErr(err, "set "+string(status))
}

// SetTyping adds or removes userID from the typing set of chatID. Each add
// pushes the set's expiry back to the full typing TTL.
func (s *Store) SetTyping(ctx context.Context, userID, chatID string, isTyping bool) error {
	key := s.keys.Typing(chatID)
	if !isTyping {
		return storeErr(s.rdb.SRem(ctx, key, userID).Err(), "clear typing")
	}
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.SAdd(ctx, key, userID)
		p.Expire(ctx, key, redis.TTLTyping)
		return nil
	})
	return storeErr(err, "set typing")
}

// GetTypingUsers returns the users typing in chatID.
func (s *Store) GetTypingUsers(ctx context.Context, chatID string) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, s.keys.Typing(chatID)).Result()
	if err != nil {
		return nil, storeErr(err, "get typing users")
	}
	sort.Strings(users)
	return users, nil
}

// AddSocket records connID for userID and returns the resulting set size. A
// result of 1 means this call took the user from zero sockets to one.
func (s *Store) AddSocket(ctx context.Context, userID, connID string) (int64, error) {
	key := s.keys.Sockets(userID)
	var card *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.SAdd(ctx, key, connID)
		p.Expire(ctx, key, redis.TTLSockets)
		card = p.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, storeErr(err, "add socket")
	}
	return card.Val(), nil
}

// RemoveSocket drops connID from userID's set. removed is false when connID was
// not in the set, so only the caller that actually emptied the set sees
// remaining == 0 && removed.
func (s *Store) RemoveSocket(ctx context.Context, userID, connID string) (remaining int64, removed bool, err error) {
	key := s.keys.Sockets(userID)
	var rem, card *goredis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		rem = p.SRem(ctx, key, connID)
		card = p.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, false, storeErr(err, "remove socket")
	}
	return card.Val(), rem.Val() > 0, nil
}

// HasActiveSockets reports whether userID has any open connection on any gateway.
func (s *Store) HasActiveSockets(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.SCard(ctx, s.keys.Sockets(userID)).Result()
	if err != nil {
		return false, storeErr(err, "count sockets")
	}
	return n > 0, nil
}

// GetPresence returns the record of userID, or nil when none exists.
func (s *Store) GetPresence(ctx context.Context, userID string) (*Record, error) {
	fields, err := s.rdb.HGetAll(ctx, s.keys.Presence(userID)).Result()
	if err != nil {
		return nil, storeErr(err, "get presence")
	}
	rec, ok := parseRecord(fields)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// GetMultiplePresence fetches many records in one round trip. Users without a
// record are absent from the result.
func (s *Store) GetMultiplePresence(ctx context.Context, userIDs []string) (map[string]Record, error) {
	out := make(map[string]Record, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(userIDs))
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range userIDs {
			cmds[i] = p.HGetAll(ctx, s.keys.Presence(id))
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "get multiple presence")
	}

	for i, id := range userIDs {
		if rec, ok := parseRecord(cmds[i].Val()); ok {
			out[id] = rec
		}
	}
	return out, nil
}

// RefreshPresence pushes the presence and socket-set expiry of userIDs back to
// their full TTL in one round trip.
func (s *Store) RefreshPresence(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, id := range userIDs {
			p.Expire(ctx, s.keys.Presence(id), redis.TTLPresence)
			p.Expire(ctx, s.keys.Sockets(id), redis.TTLSockets)
		}
		return nil
	})
	return storeErr(err, "refresh presence")
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(lastSeenLayout)
}

func parseRecord(fields map[string]string) (Record, bool) {
	status, ok := fields["status"]
	if !ok {
		return Record{}, false
	}
	rec := Record{Status: Status(status)}
	if ts, err := time.Parse(time.RFC3339, fields["lastSeen"]); err == nil {
		rec.LastSeen = ts
	}
	return rec, true
}

func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(errors.Mark(err, errors.ErrStoreUnavailable), op)
}
