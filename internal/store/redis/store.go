package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/septivank/inverter-telemetry-worker/internal/tracker"
	"github.com/septivank/inverter-telemetry-worker/internal/validity"
)

// StateTTL bounds how long persisted state outlives the worker
const StateTTL = 72 * time.Hour

// Store persists validity records and tracker state as JSON hashes keyed by site ID
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// ValidityKey returns the hash holding validity records
func (s *Store) ValidityKey() string {
	return s.prefix + "validity"
}

// TrackerKey returns the hash holding tracker state
func (s *Store) TrackerKey() string {
	return s.prefix + "tracker"
}

// LoadValidity implements validity.Store
func (s *Store) LoadValidity(ctx context.Context) (map[string]validity.Record, error) {
	return loadHash[validity.Record](ctx, s.client, s.ValidityKey())
}

// SaveValidity implements validity.Store
func (s *Store) SaveValidity(ctx context.Context, records map[string]validity.Record) error {
	return saveHash(ctx, s.client, s.ValidityKey(), records)
}

// LoadTrackerState returns the last saved per-site tracker state
func (s *Store) LoadTrackerState(ctx context.Context) (map[string]tracker.SiteState, error) {
	return loadHash[tracker.SiteState](ctx, s.client, s.TrackerKey())
}

// SaveTrackerState replaces the saved tracker state
func (s *Store) SaveTrackerState(ctx context.Context, states map[string]tracker.SiteState) error {
	return saveHash(ctx, s.client, s.TrackerKey(), states)
}

// Ping reports whether redis answers
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func loadHash[T any](ctx context.Context, client *redis.Client, key string) (map[string]T, error) {
	raw, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return decodeHash[T](raw)
}

func saveHash[T any](ctx context.Context, client *redis.Client, key string, values map[string]T) error {
	fields, err := encodeHash(values)
	if err != nil {
		return err
	}

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields...)
			pipe.Expire(ctx, key, StateTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// encodeHash flattens values into HSET field/value pairs
func encodeHash[T any](values map[string]T) ([]any, error) {
	fields := make([]any, 0, 2*len(values))
	for id, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", id, err)
		}
		fields = append(fields, id, string(data))
	}
	return fields, nil
}

// decodeHash reverses encodeHash. Entries that fail to decode are reported
// together; the rest are still returned.
func decodeHash[T any](raw map[string]string) (map[string]T, error) {
	out := make(map[string]T, len(raw))
	var errs []error
	for id, data := range raw {
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmarshal %s: %w", id, err))
			continue
		}
		out[id] = v
	}
	return out, errors.Join(errs...)
}
