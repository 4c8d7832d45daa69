// Package state keeps the registry of live bridge sessions and the running
// totals served by the admin API.
package state

import (
	"context"
	"errors"

	"github.com/matst80/httpbridge/internal/obs"
	"github.com/matst80/httpbridge/internal/proto"
)

var (
	ErrDuplicateSession = errors.New("session already registered")
	ErrUnknownSession   = errors.New("unknown session")
)

// Store abstracts session bookkeeping so several bridge instances can share
// one view through Redis.
type Store interface {
	Register(ctx context.Context, s proto.Session) error
	Remove(ctx context.Context, id string, t proto.Totals) error
	RecordDialFailure(ctx context.Context)
	Snapshot(ctx context.Context) (proto.Snapshot, error)
	SetReady(ready bool)
	SetClosing(closing bool)
	IsReady() bool
	IsClosing() bool
	Close() error
}

// New returns a Redis-backed store when redisAddr is set and an in-memory
// one otherwise.
func New(redisAddr, redisPassword string, redisDB int) (Store, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedis(redisAddr, redisPassword, redisDB)
}
