// Package bridge relays one tunneled TCP connection through the body of a
// single streaming HTTP request.
//
// A Session runs two pumps. The inbound pump copies request body frames to
// the target socket; the outbound pump reads the socket and hands each chunk
// to the response serializer through a single-slot queue, so a slow HTTP
// client slows down reads from the target. Neither pump fails because the
// other did. Cancel is the one shared signal: it stops both, and Wait joins
// them and releases the socket. A clean end of the request body only
// half-closes the socket; a broken body cancels the session.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/matst80/httpbridge/internal/obs"
)

// FrameWriter receives outbound frames. Flush is called after every frame
// so the caller sees data as soon as the target sends it.
type FrameWriter interface {
	Write(p []byte) (int, error)
	Flush() error
}

// Stats is a point-in-time view of a session's byte counters.
type Stats struct {
	BytesIn  int64 // request body -> target
	BytesOut int64 // target -> response body
	Dropped  int64 // request body bytes the target never accepted
	Duration time.Duration
}

type Session struct {
	ID   string
	Peer string

	cfg    Config
	conn   net.Conn
	frames chan []byte

	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once

	mu        sync.Mutex
	interrupt func()
	inDone    atomic.Bool

	group    errgroup.Group
	inLimit  *rate.Limiter
	outLimit *rate.Limiter

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	dropped  atomic.Int64
	started  time.Time
}

// Dial opens the TCP connection for one session.
func Dial(ctx context.Context, cfg Config) (net.Conn, error) {
	cfg = cfg.withDefaults()
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Target, err)
	}
	return conn, nil
}

// New wraps an established connection. The session owns conn from here on.
func New(id, peer string, conn net.Conn, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:       id,
		Peer:     peer,
		cfg:      cfg,
		conn:     conn,
		frames:   make(chan []byte, 1),
		ctx:      ctx,
		cancel:   cancel,
		inLimit:  newLimiter(cfg.RateLimit, cfg.BufferSize),
		outLimit: newLimiter(cfg.RateLimit, cfg.BufferSize),
		started:  time.Now(),
	}
}

func newLimiter(bytesPerSec, bufSize int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := bytesPerSec
	if burst < bufSize {
		burst = bufSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Start launches both pumps. interrupt, if not nil, must unblock a pending
// body.Read; Cancel calls it.
func (s *Session) Start(body io.Reader, interrupt func()) {
	s.mu.Lock()
	s.interrupt = interrupt
	canceled := s.ctx.Err() != nil
	s.mu.Unlock()
	if canceled && interrupt != nil {
		interrupt()
	}
	s.group.Go(func() error { return s.pumpInbound(body) })
	s.group.Go(s.pumpOutbound)
}

// Frames is the handoff queue between the socket reader and the response
// serializer. It is closed when the outbound pump exits.
func (s *Session) Frames() <-chan []byte { return s.frames }

// Done is closed once Cancel has been called.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Cancel tells both pumps to stop and unblocks any read or write they are
// parked in. It is safe to call more than once and from any goroutine.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancel()
		_ = s.conn.SetDeadline(time.Now())
		s.mu.Lock()
		fn := s.interrupt
		s.mu.Unlock()
		// A finished body reader needs no interrupt.
		if fn != nil && !s.inDone.Load() {
			fn()
		}
	})
}

// Drain serializes outbound frames into w until the target side ends, w
// fails, ctx ends or the session is canceled. A failing writer or an ended
// ctx cancels the session.
func (s *Session) Drain(ctx context.Context, w FrameWriter) error {
	for {
		select {
		case chunk, ok := <-s.frames:
			if !ok {
				return nil
			}
			if _, err := w.Write(chunk); err != nil {
				s.Cancel()
				return fmt.Errorf("write response: %w", err)
			}
			if err := w.Flush(); err != nil {
				s.Cancel()
				return fmt.Errorf("flush response: %w", err)
			}
		case <-ctx.Done():
			s.Cancel()
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		}
	}
}

// Wait blocks until both pumps have exited, then closes the connection.
// The pumps only exit on their own end of stream or after Cancel, so callers
// that need a bounded wait call Cancel first.
func (s *Session) Wait() error {
	err := s.group.Wait()
	if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		obs.Debug("bridge.close", obs.Fields{"id": s.ID, "err": cerr.Error()})
	}
	return err
}

func (s *Session) Stats() Stats {
	return Stats{
		BytesIn:  s.bytesIn.Load(),
		BytesOut: s.bytesOut.Load(),
		Dropped:  s.dropped.Load(),
		Duration: time.Since(s.started),
	}
}

func (s *Session) pumpInbound(body io.Reader) error {
	defer s.closeWrite()
	defer s.inDone.Store(true)
	buf := make([]byte, s.cfg.BufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if ferr := s.forward(buf[:n]); ferr != nil {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.trace("bridge.inbound.eof", nil)
				return nil
			}
			if s.ctx.Err() != nil {
				return nil
			}
			// A broken body (not a clean end) means the caller is gone.
			s.trace("bridge.inbound.end", obs.Fields{"err": err.Error()})
			s.Cancel()
			return fmt.Errorf("read request body: %w", err)
		}
	}
}

// forward writes one body frame to the target. Write failures are logged
// and the frame is dropped; only cancellation is returned.
func (s *Session) forward(p []byte) error {
	s.traceChunk("bridge.inbound.chunk", p)
	if s.inLimit != nil {
		if err := s.inLimit.WaitN(s.ctx, len(p)); err != nil {
			return err
		}
	}
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	// Checked after arming the deadline so a concurrent Cancel cannot be overwritten.
	if err := s.ctx.Err(); err != nil {
		return err
	}
	n, err := s.conn.Write(p)
	s.bytesIn.Add(int64(n))
	obs.BytesTotal.WithLabelValues("inbound").Add(float64(n))
	if err != nil {
		if cerr := s.ctx.Err(); cerr != nil {
			return cerr
		}
		lost := len(p) - n
		s.dropped.Add(int64(lost))
		obs.DroppedBytesTotal.Add(float64(lost))
		obs.ErrorsTotal.WithLabelValues("tcp_write").Inc()
		obs.Error("bridge.inbound.write", obs.Fields{"id": s.ID, "err": err.Error(), "dropped": lost, "policy": string(s.cfg.WritePolicy)})
	}
	return nil
}

func (s *Session) closeWrite() {
	cw, ok := s.conn.(interface{ CloseWrite() error })
	if !ok {
		return
	}
	if err := cw.CloseWrite(); err != nil && s.ctx.Err() == nil {
		s.trace("bridge.inbound.close_write", obs.Fields{"err": err.Error()})
	}
}

func (s *Session) pumpOutbound() error {
	defer close(s.frames)
	buf := make([]byte, s.cfg.BufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.traceChunk("bridge.outbound.chunk", chunk)
			if s.outLimit != nil {
				if werr := s.outLimit.WaitN(s.ctx, n); werr != nil {
					return nil
				}
			}
			select {
			case s.frames <- chunk:
				s.bytesOut.Add(int64(n))
				obs.BytesTotal.WithLabelValues("outbound").Add(float64(n))
			case <-s.ctx.Done():
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.trace("bridge.outbound.eof", nil)
				return nil
			}
			if s.ctx.Err() != nil {
				return nil
			}
			obs.ErrorsTotal.WithLabelValues("tcp_read").Inc()
			obs.Error("bridge.outbound.read", obs.Fields{"id": s.ID, "err": err.Error()})
			return fmt.Errorf("read target: %w", err)
		}
	}
}

// trace logs per-chunk detail when the session runs verbose.
func (s *Session) trace(msg string, f obs.Fields) {
	if !s.cfg.Verbose {
		return
	}
	if f == nil {
		f = obs.Fields{}
	}
	f["id"] = s.ID
	obs.Debug(msg, f)
}

func (s *Session) traceChunk(msg string, p []byte) {
	if !s.cfg.Verbose {
		return
	}
	s.trace(msg, obs.Fields{"len": len(p), "data": fmt.Sprintf("%q", p)})
}
