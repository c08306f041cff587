package calls

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
	"github.com/nmxmxh/ultrachat-gateway/pkg/redis"
)

const maxTxRetries = 10

// Store persists call state as JSON with a status-dependent TTL.
type Store struct {
	rdb  *redis.Client
	keys *redis.KeyBuilder
}

// NewStore creates a call store.
func NewStore(client *redis.Client, keys *redis.KeyBuilder) *Store {
	if keys == nil {
		keys = redis.NewKeyBuilder("")
	}
	return &Store{rdb: client, keys: keys}
}

// Create stores a new call.
func (s *Store) Create(ctx context.Context, c *Call) error {
	body, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode call")
	}
	return storeErr(s.rdb.Set(ctx, s.keys.Call(c.ID), body, ttlFor(c.Status)).Err(), "create call")
}

// Get loads a call. Missing calls return ErrNotFound.
func (s *Store) Get(ctx context.Context, callID string) (*Call, error) {
	raw, err := s.rdb.Get(ctx, s.keys.Call(callID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, errors.Wrap(errors.ErrNotFound, "call "+callID)
	}
	if err != nil {
		return nil, storeErr(err, "get call")
	}
	var c Call
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errors.Wrap(err, "decode call")
	}
	return &c, nil
}

// Update applies fn to the stored call inside a WATCH/MULTI transaction and
// retries when another writer changed the key in between.
func (s *Store) Update(ctx context.Context, callID string, fn func(*Call) error) (*Call, error) {
	key := s.keys.Call(callID)

	var (
		updated *Call
		fnErr   error
	)
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			fnErr = errors.Wrap(errors.ErrNotFound, "call "+callID)
			return fnErr
		}
		if err != nil {
			return err
		}
		var c Call
		if err := json.Unmarshal(raw, &c); err != nil {
			fnErr = errors.Wrap(err, "decode call")
			return fnErr
		}
		if err := fn(&c); err != nil {
			fnErr = err
			return err
		}
		body, err := json.Marshal(&c)
		if err != nil {
			fnErr = errors.Wrap(err, "encode call")
			return fnErr
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, body, ttlFor(c.Status))
			return nil
		})
		if err == nil {
			updated = &c
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		fnErr = nil
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, nil
		case fnErr != nil:
			return nil, fnErr
		case errors.Is(err, goredis.TxFailedErr):
			continue
		default:
			return nil, storeErr(err, "update call")
		}
	}
	return nil, storeErr(goredis.TxFailedErr, "update call: too much contention")
}

func ttlFor(status Status) time.Duration {
	if status.Finished() {
		return redis.TTLCallEnded
	}
	return redis.TTLCallActive
}

func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(errors.Mark(err, errors.ErrStoreUnavailable), op)
}
