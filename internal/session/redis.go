package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps login state in Redis so any replica can finish a launch.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lti:state:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(state string) string  { return s.prefix + state }
func (s *RedisStore) tomb(state string) string { return s.prefix + "used:" + state }

func (s *RedisStore) Save(ctx context.Context, st State, ttl time.Duration) error {
	if st.State == "" || st.Nonce == "" {
		return errors.New("session: state and nonce are required")
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(st.State), b, ttl).Result()
	if err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	if !ok {
		return errors.New("session: state collision")
	}
	return nil
}

// Consume reads and deletes the state in one GETDEL round trip.
func (s *RedisStore) Consume(ctx context.Context, state string) (State, error) {
	raw, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		n, terr := s.client.Exists(ctx, s.tomb(state)).Result()
		if terr == nil && n > 0 {
			return State{}, ErrStateConsumed
		}
		return State{}, ErrUnknownState
	}
	if err != nil {
		return State{}, fmt.Errorf("session: consume: %w", err)
	}
	if err := s.client.Set(ctx, s.tomb(state), 1, tombstoneTTL).Err(); err != nil {
		return State{}, fmt.Errorf("session: tombstone: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("session: decode: %w", err)
	}
	return st, nil
}
