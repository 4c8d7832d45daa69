package bridge

import (
	"fmt"
	"time"
)

// WritePolicy selects how the inbound pump writes request body frames to
// the target socket.
type WritePolicy string

const (
	// WriteBlock waits for the target to accept each frame, bounded by
	// Config.WriteTimeout when it is set.
	WriteBlock WritePolicy = "block"
	// WriteDrop gives each write a very short deadline and drops whatever
	// the socket did not take within it.
	WriteDrop WritePolicy = "drop"
)

const (
	DefaultBufferSize  = 32 * 1024
	DefaultDialTimeout = 10 * time.Second
	DefaultDropWindow  = time.Millisecond
)

// Config is built once at startup and shared read-only by every session.
type Config struct {
	Target       string
	Verbose      bool
	DialTimeout  time.Duration
	BufferSize   int
	WritePolicy  WritePolicy
	WriteTimeout time.Duration
	// RateLimit caps each direction of a session in bytes per second. Zero disables it.
	RateLimit int
}

// ParseWritePolicy accepts "block" or "drop".
func ParseWritePolicy(s string) (WritePolicy, error) {
	switch WritePolicy(s) {
	case WriteBlock, WriteDrop:
		return WritePolicy(s), nil
	case "":
		return WriteBlock, nil
	}
	return "", fmt.Errorf("unknown write policy %q (want block or drop)", s)
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WritePolicy == "" {
		c.WritePolicy = WriteBlock
	}
	if c.WritePolicy == WriteDrop && c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultDropWindow
	}
	return c
}
