package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	settledKeyPrefix  = "mintgate:settled:"
	inFlightKeyPrefix = "mintgate:inflight:"
)

// checkAndReserveScript runs the settled-record check and the in-flight
// reservation as one atomic step. A separate GET followed by SETNX would leave
// a window in which a concurrent Commit (SETNX settled, DEL inflight) lets a
// racer reserve an identity that is already settled.
// KEYS[1] = settled record key
// KEYS[2] = in-flight reservation key
// ARGV[1] = reservation TTL in milliseconds
var checkAndReserveScript = redis.NewScript(`
local settled = redis.call("GET", KEYS[1])
if settled then
    return {"settled", settled}
end
if redis.call("SET", KEYS[2], "1", "NX", "PX", ARGV[1]) then
    return {"reserved", ""}
end
return {"inflight", ""}
`)

// RedisStore is a Store backed by Redis, for deployments that need dedup
// state to survive restarts or be shared across instances.
//
// Reservations are SET NX keys with a TTL so a crashed instance cannot leave
// an identity permanently in-flight. Committed records are plain keys with
// no expiry: they are the system's replay-prevention memory and are never
// deleted.
type RedisStore struct {
	client         *redis.Client
	reservationTTL time.Duration
}

// NewRedisStore connects a store to Redis. reservationTTL bounds how long a
// reservation can outlive its owner; it should comfortably exceed the
// request timeout.
func NewRedisStore(client *redis.Client, reservationTTL time.Duration) *RedisStore {
	if reservationTTL <= 0 {
		reservationTTL = 2 * time.Minute
	}
	return &RedisStore{client: client, reservationTTL: reservationTTL}
}

// CheckAndReserve atomically checks for a committed record and takes the
// in-flight key, in a single script execution.
func (s *RedisStore) CheckAndReserve(ctx context.Context, identity string) (Status, *Record, error) {
	res, err := checkAndReserveScript.Run(ctx, s.client,
		[]string{settledKeyPrefix + identity, inFlightKeyPrefix + identity},
		s.reservationTTL.Milliseconds(),
	).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("reservation failed: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, nil, fmt.Errorf("invalid reply from reservation script")
	}
	state, _ := reply[0].(string)

	switch state {
	case "settled":
		data, _ := reply[1].(string)
		var record Record
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return 0, nil, fmt.Errorf("corrupt settlement record for %s: %w", identity, err)
		}
		return StatusSettled, &record, nil
	case "reserved":
		return StatusReserved, nil, nil
	default:
		return StatusInFlight, nil, nil
	}
}

// Commit writes the record with SET NX (enforcing single commit) and clears
// the reservation.
func (s *RedisStore) Commit(ctx context.Context, identity string, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode settlement record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, settledKeyPrefix+identity, data, 0).Result()
	if err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	if !ok {
		return ErrAlreadyCommitted
	}

	if err := s.client.Del(ctx, inFlightKeyPrefix+identity).Err(); err != nil {
		// The reservation TTL will clear it; the commit itself succeeded.
		return nil
	}
	return nil
}

// Release drops the in-flight key.
func (s *RedisStore) Release(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, inFlightKeyPrefix+identity).Err(); err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
