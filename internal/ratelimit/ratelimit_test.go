package ratelimit

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func withClock(rl *RateLimiter) *fakeClock {
	c := &fakeClock{t: time.Unix(1700000000, 0)}
	rl.now = c.now
	return c
}

func TestPerPeerLimit(t *testing.T) {
	rl := NewRateLimiter(0, 2, 3) // per peer: 2 sessions/s, burst 3
	clock := withClock(rl)

	peer := "10.0.0.1"
	for i := 0; i < 3; i++ {
		if !rl.AllowSession(peer) {
			t.Errorf("Expected session %d to be allowed for peer %s", i, peer)
		}
	}
	if rl.AllowSession(peer) {
		t.Error("Expected session to be denied once the burst is used")
	}

	// Another peer has its own bucket.
	if !rl.AllowSession("10.0.0.2") {
		t.Error("Expected session to be allowed for a different peer")
	}

	clock.advance(time.Second)
	if !rl.AllowSession(peer) || !rl.AllowSession(peer) {
		t.Error("Expected two sessions after one second of refill")
	}
	if rl.AllowSession(peer) {
		t.Error("Expected third session after refill to be denied")
	}
}

func TestGlobalLimit(t *testing.T) {
	rl := NewRateLimiter(2, 0, 2) // global: 2 sessions/s, burst 2
	withClock(rl)

	if !rl.AllowSession("a") {
		t.Error("Expected first global session to be allowed")
	}
	if !rl.AllowSession("b") {
		t.Error("Expected second global session to be allowed")
	}
	if rl.AllowSession("c") {
		t.Error("Expected session to be denied due to global limit")
	}
}

func TestCleanupIdle(t *testing.T) {
	rl := NewRateLimiter(0, 1, 1)
	clock := withClock(rl)

	rl.AllowSession("old")
	clock.advance(time.Minute)
	rl.AllowSession("fresh")

	if removed := rl.CleanupIdle(30 * time.Second); removed != 1 {
		t.Errorf("Expected 1 idle peer removed, got %d", removed)
	}
	if _, exists := rl.perPeer["old"]; exists {
		t.Error("Expected idle peer to be cleaned up")
	}
	if _, exists := rl.perPeer["fresh"]; !exists {
		t.Error("Expected recent peer to remain")
	}
}

func TestDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0, 5)
	if rl.Enabled() {
		t.Error("Expected limiter with zero rates to be disabled")
	}
	for i := 0; i < 100; i++ {
		if !rl.AllowSession("peer") {
			t.Errorf("Expected session %d to be allowed when limits disabled", i)
		}
	}
	var nilLimiter *RateLimiter
	if nilLimiter.Enabled() {
		t.Error("Expected nil limiter to be disabled")
	}
}

func TestPeerIP(t *testing.T) {
	cases := map[string]string{
		"10.1.2.3:4567": "10.1.2.3",
		"[::1]:80":      "::1",
		"no-port":       "no-port",
	}
	for in, want := range cases {
		if got := PeerIP(in); got != want {
			t.Errorf("PeerIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPerPeerRejectionKeepsGlobalTokens(t *testing.T) {
	rl := NewRateLimiter(0.001, 0.001, 2)
	withClock(rl)
	rl.perPeer["10.0.0.1"] = &peerLimiter{limiter: rate.NewLimiter(0.001, 1)}

	if !rl.AllowSession("10.0.0.1") {
		t.Fatal("Expected first session to be allowed")
	}
	if rl.AllowSession("10.0.0.1") {
		t.Error("Expected second session from the same peer to be denied")
	}
	if !rl.AllowSession("10.0.0.2") {
		t.Error("Expected another peer to get the global token the denied peer did not spend")
	}
}

func TestGlobalRejectionRefundsPeerToken(t *testing.T) {
	rl := NewRateLimiter(1, 0.001, 1) // global refills every second, per peer almost never
	clock := withClock(rl)

	if !rl.AllowSession("10.0.0.1") {
		t.Fatal("Expected first session to be allowed")
	}
	if rl.AllowSession("10.0.0.2") {
		t.Error("Expected session to be denied by the global limit")
	}

	clock.advance(time.Second)
	if !rl.AllowSession("10.0.0.2") {
		t.Error("Expected peer denied only by the global limit to keep its own token")
	}
}
