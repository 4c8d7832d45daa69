package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/httpbridge/internal/obs"
	"github.com/matst80/httpbridge/internal/proto"
)

const (
	keyPrefix       = "httpbridge:"
	keySessions     = keyPrefix + "sessions"
	keyTotal        = keyPrefix + "total_sessions"
	keyDialFailures = keyPrefix + "dial_failures"
	keyBytesIn      = keyPrefix + "bytes_in"
	keyBytesOut     = keyPrefix + "bytes_out"
)

func sessionKey(id string) string { return keyPrefix + "session:" + id }

// Redis shares the session registry between bridge instances. Session
// records expire unless the owning instance keeps refreshing them, so a
// crashed instance does not leave phantom sessions behind.
type Redis struct {
	client *redis.Client

	mu      sync.Mutex
	local   map[string]struct{} // ids registered by this instance
	closing bool
	ready   bool

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

var _ Store = (*Redis)(nil)

func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Redis{
		client:            rdb,
		local:             make(map[string]struct{}),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            2 * time.Minute,
	}, nil
}

func (r *Redis) SetClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *Redis) SetReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *Redis) IsClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *Redis) IsReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *Redis) Register(ctx context.Context, s proto.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, sessionKey(s.ID), data, r.keyTTL).Result()
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
	}
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, keySessions, s.ID)
	pipe.Incr(ctx, keyTotal)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis register failed: %w", err)
	}
	r.mu.Lock()
	r.local[s.ID] = struct{}{}
	obs.ActiveSessions.Set(float64(len(r.local)))
	r.mu.Unlock()
	return nil
}

func (r *Redis) Remove(ctx context.Context, id string, t proto.Totals) error {
	r.mu.Lock()
	_, owned := r.local[id]
	delete(r.local, id)
	obs.ActiveSessions.Set(float64(len(r.local)))
	r.mu.Unlock()
	if !owned {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, keySessions, id)
	pipe.IncrBy(ctx, keyBytesIn, t.BytesIn)
	pipe.IncrBy(ctx, keyBytesOut, t.BytesOut)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove failed: %w", err)
	}
	return nil
}

func (r *Redis) RecordDialFailure(ctx context.Context) {
	if err := r.client.Incr(ctx, keyDialFailures).Err(); err != nil {
		obs.Error("redis.dial_failure", obs.Fields{"err": err.Error()})
	}
}

// Snapshot lists sessions of every instance. Ids whose record has expired
// are pruned from the index on the way.
func (r *Redis) Snapshot(ctx context.Context) (proto.Snapshot, error) {
	snap := proto.Snapshot{Now: time.Now().UTC().Format(time.RFC3339)}
	ids, err := r.client.SMembers(ctx, keySessions).Result()
	if err != nil {
		return snap, fmt.Errorf("redis list sessions: %w", err)
	}
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = sessionKey(id)
		}
		vals, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return snap, fmt.Errorf("redis get sessions: %w", err)
		}
		var stale []any
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			var s proto.Session
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				obs.Error("redis.unmarshal_session", obs.Fields{"err": err.Error(), "id": ids[i]})
				continue
			}
			snap.Sessions = append(snap.Sessions, s)
		}
		if len(stale) > 0 {
			if err := r.client.SRem(ctx, keySessions, stale...).Err(); err != nil {
				obs.Error("redis.prune_sessions", obs.Fields{"err": err.Error()})
			}
		}
	}
	sortSessions(snap.Sessions)
	snap.Active = len(snap.Sessions)

	counters, err := r.client.MGet(ctx, keyTotal, keyDialFailures, keyBytesIn, keyBytesOut).Result()
	if err != nil {
		return snap, fmt.Errorf("redis get counters: %w", err)
	}
	snap.TotalSessions = counter(counters[0])
	snap.DialFailures = counter(counters[1])
	snap.BytesIn = counter(counters[2])
	snap.BytesOut = counter(counters[3])
	return snap, nil
}

func counter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// StartMaintenance refreshes the TTL of locally owned session records until
// ctx ends.
func (r *Redis) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *Redis) heartbeat(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.client.Expire(ctx, sessionKey(id), r.keyTTL).Err(); err != nil && !errors.Is(err, context.Canceled) {
			obs.Error("redis.heartbeat.expire", obs.Fields{"err": err.Error(), "id": id})
		}
	}
}

func (r *Redis) Close() error { return r.client.Close() }
