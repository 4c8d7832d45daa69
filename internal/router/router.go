// Package router classifies incoming HTTP requests and runs a bridge
// session for the one streaming route.
package router

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/matst80/httpbridge/internal/bridge"
	"github.com/matst80/httpbridge/internal/obs"
	"github.com/matst80/httpbridge/internal/proto"
	"github.com/matst80/httpbridge/internal/ratelimit"
	"github.com/matst80/httpbridge/internal/state"
)

const StreamPath = "/stream"

type Options struct {
	Bridge   bridge.Config
	Store    state.Store
	Limiter  *ratelimit.RateLimiter
	Instance string
}

type Router struct {
	opts Options
	mux  *mux.Router

	mu   sync.Mutex
	live map[string]*bridge.Session
}

func New(opts Options) *Router {
	if opts.Store == nil {
		opts.Store = state.NewMemory()
	}
	rt := &Router{opts: opts, live: make(map[string]*bridge.Session)}
	m := mux.NewRouter().SkipClean(true)
	m.Methods(http.MethodPut).Path(StreamPath).HandlerFunc(rt.handleStream)
	m.NotFoundHandler = http.HandlerFunc(notFound)
	m.MethodNotAllowedHandler = http.HandlerFunc(notFound)
	rt.mux = m
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	obs.Info("request", obs.Fields{"method": r.Method, "path": r.URL.Path, "peer": r.RemoteAddr})
	rt.mux.ServeHTTP(w, r)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	obs.RequestsTotal.WithLabelValues("not_found").Inc()
	w.WriteHeader(http.StatusNotFound)
}

// Active returns the number of sessions this router is streaming.
func (rt *Router) Active() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.live)
}

// CancelAll cancels every live session and returns how many there were.
func (rt *Router) CancelAll() int {
	rt.mu.Lock()
	sessions := make([]*bridge.Session, 0, len(rt.live))
	for _, s := range rt.live {
		sessions = append(sessions, s)
	}
	rt.mu.Unlock()
	for _, s := range sessions {
		s.Cancel()
	}
	return len(sessions)
}

func (rt *Router) handleStream(w http.ResponseWriter, r *http.Request) {
	obs.RequestsTotal.WithLabelValues("stream").Inc()
	peer := r.RemoteAddr
	if rt.opts.Limiter.Enabled() && !rt.opts.Limiter.AllowSession(ratelimit.PeerIP(peer)) {
		obs.RejectedTotal.Inc()
		obs.Warn("stream.rejected", obs.Fields{"peer": peer})
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	cfg := rt.opts.Bridge
	conn, err := bridge.Dial(r.Context(), cfg)
	if err != nil {
		obs.DialFailuresTotal.Inc()
		obs.ErrorsTotal.WithLabelValues("dial").Inc()
		obs.Error("stream.dial", obs.Fields{"err": err.Error(), "target": cfg.Target, "peer": peer})
		rt.opts.Store.RecordDialFailure(r.Context())
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	sess := bridge.New(uuid.NewString(), peer, conn, cfg)
	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		obs.Debug("stream.full_duplex", obs.Fields{"id": sess.ID, "err": err.Error()})
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		obs.Debug("stream.flush_headers", obs.Fields{"id": sess.ID, "err": err.Error()})
	}

	rt.track(sess, cfg.Target)
	obs.SessionsTotal.Inc()
	obs.Info("session.open", obs.Fields{"id": sess.ID, "peer": peer, "target": cfg.Target})

	sess.Start(r.Body, func() {
		if err := rc.SetReadDeadline(time.Now()); err != nil {
			_ = r.Body.Close()
		}
	})
	drainErr := sess.Drain(r.Context(), responseFrames{w: w, rc: rc})
	sess.Cancel()
	waitErr := sess.Wait()

	st := sess.Stats()
	rt.untrack(sess, st)
	obs.SessionDurationSeconds.Observe(st.Duration.Seconds())
	fields := obs.Fields{
		"id":        sess.ID,
		"peer":      peer,
		"bytes_in":  st.BytesIn,
		"bytes_out": st.BytesOut,
		"dropped":   st.Dropped,
		"duration":  st.Duration.String(),
	}
	if drainErr != nil && !errors.Is(drainErr, context.Canceled) {
		fields["drain_err"] = drainErr.Error()
	}
	if waitErr != nil {
		fields["pump_err"] = waitErr.Error()
	}
	obs.Info("session.closed", fields)
}

func (rt *Router) track(s *bridge.Session, target string) {
	rt.mu.Lock()
	rt.live[s.ID] = s
	rt.mu.Unlock()
	rec := proto.Session{ID: s.ID, Peer: s.Peer, Target: target, Instance: rt.opts.Instance, Started: time.Now().UTC()}
	if err := rt.opts.Store.Register(context.Background(), rec); err != nil {
		obs.Error("state.register", obs.Fields{"id": s.ID, "err": err.Error()})
	}
}

func (rt *Router) untrack(s *bridge.Session, st bridge.Stats) {
	rt.mu.Lock()
	delete(rt.live, s.ID)
	rt.mu.Unlock()
	if err := rt.opts.Store.Remove(context.Background(), s.ID, proto.Totals{BytesIn: st.BytesIn, BytesOut: st.BytesOut}); err != nil {
		obs.Error("state.remove", obs.Fields{"id": s.ID, "err": err.Error()})
	}
}

// responseFrames adapts a ResponseWriter to bridge.FrameWriter.
type responseFrames struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (f responseFrames) Write(p []byte) (int, error) { return f.w.Write(p) }
func (f responseFrames) Flush() error                { return f.rc.Flush() }
