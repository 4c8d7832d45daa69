package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter admits new bridge sessions, both globally and per peer IP.
// A rate of zero disables that limit.
type RateLimiter struct {
	mu       sync.Mutex
	global   *rate.Limiter
	perPeer  map[string]*peerLimiter
	peerRate rate.Limit
	burst    int
	now      func() time.Time
}

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing globalPerSec and perPeerPerSec
// new sessions per second, each with the given burst.
func NewRateLimiter(globalPerSec, perPeerPerSec float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		perPeer:  make(map[string]*peerLimiter),
		peerRate: rate.Limit(perPeerPerSec),
		burst:    burst,
		now:      time.Now,
	}
	if globalPerSec > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalPerSec), burst)
	}
	return rl
}

// Enabled reports whether any limit is active.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && (rl.global != nil || rl.peerRate > 0)
}

// AllowSession checks whether peer may open one more session now and
// consumes a token if so. A rejected session spends no token from either
// limit.
func (rl *RateLimiter) AllowSession(peer string) bool {
	now := rl.now()
	var peerRes *rate.Reservation
	if rl.peerRate > 0 {
		rl.mu.Lock()
		p, exists := rl.perPeer[peer]
		if !exists {
			p = &peerLimiter{limiter: rate.NewLimiter(rl.peerRate, rl.burst)}
			rl.perPeer[peer] = p
		}
		p.lastSeen = now
		rl.mu.Unlock()
		peerRes = p.limiter.ReserveN(now, 1)
		if !peerRes.OK() || peerRes.DelayFrom(now) > 0 {
			peerRes.CancelAt(now)
			return false
		}
	}
	if rl.global != nil && !rl.global.AllowN(now, 1) {
		if peerRes != nil {
			peerRes.CancelAt(now)
		}
		return false
	}
	return true
}

// CleanupIdle forgets peers not seen for maxIdle and returns how many were
// removed.
func (rl *RateLimiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := rl.now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for peer, p := range rl.perPeer {
		if p.lastSeen.Before(cutoff) {
			delete(rl.perPeer, peer)
			removed++
		}
	}
	return removed
}

// PeerIP strips the port from a remote address so all connections from one
// host share a bucket.
func PeerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
