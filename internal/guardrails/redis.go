package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/toolchat/internal/domain"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "toolchat:violations:"

// RedisLedger stores each session's violations in a sorted set scored by
// unix nanoseconds. Every write prunes entries older than Retention and
// refreshes the key's expiry.
type RedisLedger struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisLedger connects to addr and verifies the connection.
func NewRedisLedger(addr, password string, db int) (*RedisLedger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisLedger{rdb: rdb, now: time.Now}, nil
}

func (l *RedisLedger) setClock(now func() time.Time) { l.now = now }

// Ping checks if Redis is reachable.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (l *RedisLedger) Close() error {
	return l.rdb.Close()
}

func redisKey(sessionID string) string {
	return redisKeyPrefix + sessionID
}

func cutoffScore(t time.Time) string {
	return strconv.FormatInt(t.Add(-Retention).UnixNano(), 10)
}

// Record appends v, pruning expired entries in the same transaction.
func (l *RedisLedger) Record(ctx context.Context, sessionID string, v domain.Violation) error {
	member, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode violation: %w", err)
	}

	key := redisKey(sessionID)
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoffScore(l.now()))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(v.Timestamp.UnixNano()), Member: member})
		pipe.Expire(ctx, key, Retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	return nil
}

// Violations returns the session's entries within the retention window.
func (l *RedisLedger) Violations(ctx context.Context, sessionID string) ([]domain.Violation, error) {
	members, err := l.rdb.ZRangeByScore(ctx, redisKey(sessionID), &redis.ZRangeBy{
		Min: cutoffScore(l.now()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read violations: %w", err)
	}

	out := make([]domain.Violation, 0, len(members))
	for _, m := range members {
		var v domain.Violation
		if err := json.Unmarshal([]byte(m), &v); err != nil {
			return nil, fmt.Errorf("decode violation: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Clear forgets a session.
func (l *RedisLedger) Clear(ctx context.Context, sessionID string) error {
	if err := l.rdb.Del(ctx, redisKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear violations: %w", err)
	}
	return nil
}

// Sessions lists the sessions currently holding entries.
func (l *RedisLedger) Sessions(ctx context.Context) ([]string, error) {
	var sessions []string
	iter := l.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		sessions = append(sessions, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan violation keys: %w", err)
	}
	return sessions, nil
}
