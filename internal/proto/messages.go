package proto

import "time"

// Session describes one live bridge session. It is what the registry stores
// and what /api/state lists.
type Session struct {
	ID       string    `json:"id"`
	Peer     string    `json:"peer"`
	Target   string    `json:"target"`
	Instance string    `json:"instance"`
	Started  time.Time `json:"started"`
}

// Totals are the byte counts a finished session adds to the running totals.
type Totals struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
}

// Snapshot is the aggregate registry view.
type Snapshot struct {
	Active        int       `json:"active"`
	TotalSessions int64     `json:"total_sessions"`
	DialFailures  int64     `json:"dial_failures"`
	BytesIn       int64     `json:"bytes_in"`
	BytesOut      int64     `json:"bytes_out"`
	Sessions      []Session `json:"sessions,omitempty"`
	Now           string    `json:"now"`
}
