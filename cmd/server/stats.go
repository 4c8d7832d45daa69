package main

import (
	"context"
	"time"

	"github.com/matst80/httpbridge/internal/proto"
	"github.com/matst80/httpbridge/internal/state"
)

// collectStats reads the registry with a short deadline so a slow Redis
// cannot hang the admin endpoints.
func collectStats(ctx context.Context, store state.Store) (proto.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return store.Snapshot(ctx)
}

// templateData maps a snapshot onto the dashboard template keys.
func templateData(s proto.Snapshot) map[string]any {
	return map[string]any{
		"Active":       s.Active,
		"Total":        s.TotalSessions,
		"DialFailures": s.DialFailures,
		"BytesIn":      s.BytesIn,
		"BytesOut":     s.BytesOut,
		"Sessions":     s.Sessions,
	}
}
