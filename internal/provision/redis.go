package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey = "provision:pending"
	orphansKey = "provision:orphans"
)

// getter is satisfied by both a client and a watched transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func entryKey(sessionID string) string {
	return "provision:entry:" + sessionID
}

// RedisLedger is a Redis-backed Ledger. Entries are JSON values with a TTL;
// a sorted set indexes pending entries by creation time.
type RedisLedger struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisLedger creates a ledger whose entries expire after ttl.
func NewRedisLedger(client redis.UniversalClient, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl, now: time.Now}
}

// Put implements Ledger. The read and write run in one optimistic
// transaction so a concurrent Complete is never overwritten.
func (l *RedisLedger) Put(ctx context.Context, e Entry) error {
	key := entryKey(e.SessionID)
	txf := func(tx *redis.Tx) error {
		existing, found, err := l.read(ctx, tx, key)
		if err != nil {
			return err
		}
		now := l.now().UTC()
		e.CreatedAt = now
		if found {
			if existing.Status == StatusCompleted {
				return completedConflict(e.SessionID)
			}
			e.Receipt = existing.Receipt
			e.CreatedAt = existing.CreatedAt
		}
		e.Status = StatusPending
		e.RecordID = ""
		e.UpdatedAt = now

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal ledger entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, l.ttl)
			pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(e.CreatedAt.UnixNano()), Member: e.SessionID})
			return nil
		})
		return err
	}
	if err := l.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("redis put %q: concurrent update: %w", key, err)
		}
		return err
	}
	return nil
}

// Get implements Ledger.
func (l *RedisLedger) Get(ctx context.Context, sessionID string) (Entry, bool, error) {
	return l.read(ctx, l.client, entryKey(sessionID))
}

// Complete implements Ledger.
func (l *RedisLedger) Complete(ctx context.Context, sessionID, recordID string) error {
	key := entryKey(sessionID)
	txf := func(tx *redis.Tx) error {
		e, found, err := l.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			return entryNotFound(sessionID)
		}
		e.Status = StatusCompleted
		e.RecordID = recordID
		e.UpdatedAt = l.now().UTC()
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal ledger entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, l.ttl)
			pipe.ZRem(ctx, pendingKey, sessionID)
			return nil
		})
		return err
	}
	return l.client.Watch(ctx, txf, key)
}

// ListPending implements Ledger. Index members whose entry has expired are
// pruned.
func (l *RedisLedger) ListPending(ctx context.Context) ([]Entry, error) {
	ids, err := l.client.ZRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange %q: %w", pendingKey, err)
	}
	var out []Entry
	for _, id := range ids {
		e, found, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			l.client.ZRem(ctx, pendingKey, id)
			continue
		}
		if e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarkOrphaned implements Ledger.
func (l *RedisLedger) MarkOrphaned(ctx context.Context, o Orphan) error {
	if len(o.Refs) == 0 {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal orphan: %w", err)
	}
	score := float64(o.ExpiresAt.UnixNano())
	if o.ExpiresAt.IsZero() {
		score = float64(time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	}
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, orphansKey, "-inf", strconv.FormatInt(l.now().UnixNano(), 10))
		pipe.ZAdd(ctx, orphansKey, redis.Z{Score: score, Member: data})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis zadd %q: %w", orphansKey, err)
	}
	return nil
}

// ListOrphans implements Ledger.
func (l *RedisLedger) ListOrphans(ctx context.Context) ([]Orphan, error) {
	raw, err := l.client.ZRangeByScore(ctx, orphansKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(l.now().UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore %q: %w", orphansKey, err)
	}
	out := make([]Orphan, 0, len(raw))
	for _, r := range raw {
		var o Orphan
		if err := json.Unmarshal([]byte(r), &o); err != nil {
			return nil, fmt.Errorf("unmarshal orphan: %w", err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (l *RedisLedger) read(ctx context.Context, c getter, key string) (Entry, bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal ledger entry %q: %w", key, err)
	}
	return e, true, nil
}

var _ Ledger = (*RedisLedger)(nil)
