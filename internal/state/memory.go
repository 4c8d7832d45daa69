package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matst80/httpbridge/internal/obs"
	"github.com/matst80/httpbridge/internal/proto"
)

type Memory struct {
	mu           sync.Mutex
	sessions     map[string]proto.Session
	total        int64
	dialFailures int64
	bytesIn      int64
	bytesOut     int64
	closing      bool
	ready        bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]proto.Session)}
}

func (m *Memory) Register(_ context.Context, s proto.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
	}
	m.sessions[s.ID] = s
	m.total++
	obs.ActiveSessions.Set(float64(len(m.sessions)))
	return nil
}

func (m *Memory) Remove(_ context.Context, id string, t proto.Totals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	delete(m.sessions, id)
	m.bytesIn += t.BytesIn
	m.bytesOut += t.BytesOut
	obs.ActiveSessions.Set(float64(len(m.sessions)))
	return nil
}

func (m *Memory) RecordDialFailure(context.Context) {
	m.mu.Lock()
	m.dialFailures++
	m.mu.Unlock()
}

func (m *Memory) Snapshot(context.Context) (proto.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]proto.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	sortSessions(list)
	return proto.Snapshot{
		Active:        len(m.sessions),
		TotalSessions: m.total,
		DialFailures:  m.dialFailures,
		BytesIn:       m.bytesIn,
		BytesOut:      m.bytesOut,
		Sessions:      list,
		Now:           time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (m *Memory) SetReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *Memory) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *Memory) IsReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }
func (m *Memory) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *Memory) Close() error            { return nil }

func sortSessions(list []proto.Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Started.Equal(list[j].Started) {
			return list[i].ID < list[j].ID
		}
		return list[i].Started.Before(list[j].Started)
	})
}
