// Package client opens a bridge stream and exposes it as a byte stream:
// writes go into the request body, reads come from the response body.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/matst80/httpbridge/internal/obs"
)

// ErrStatus is returned by Dial when the bridge answers with anything but 200.
var ErrStatus = errors.New("bridge refused stream")

type Options struct {
	// URL is the bridge base URL (http://host:port) or the full stream URL.
	URL         string
	H2C         bool
	DialTimeout time.Duration
}

func (o Options) streamURL() string {
	u := strings.TrimRight(o.URL, "/")
	if strings.HasSuffix(u, "/stream") {
		return u
	}
	return u + "/stream"
}

func (o Options) transport() http.RoundTripper {
	d := &net.Dialer{Timeout: o.DialTimeout}
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Second
	}
	if o.H2C {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return d.DialContext(ctx, network, addr)
			},
		}
	}
	return &http.Transport{
		DialContext:       d.DialContext,
		DisableKeepAlives: true,
	}
}

// Conn is one open bridge stream.
type Conn struct {
	body   io.ReadCloser
	pw     *io.PipeWriter
	cancel context.CancelFunc
	once   sync.Once
}

// Dial sends PUT /stream and returns once the bridge has answered with
// headers. The stream lives until Close or until ctx ends.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, opts.streamURL(), pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	hc := &http.Client{Transport: opts.transport()}
	resp, err := hc.Do(req)
	if err != nil {
		cancel()
		_ = pw.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		_ = pw.Close()
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	obs.Debug("client.stream.open", obs.Fields{"url": opts.streamURL(), "proto": resp.Proto})
	return &Conn{body: resp.Body, pw: pw, cancel: cancel}, nil
}

func (c *Conn) Read(p []byte) (int, error)  { return c.body.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.pw.Write(p) }

// CloseWrite ends the request body. The bridge half-closes the target in
// turn; the response keeps streaming.
func (c *Conn) CloseWrite() error { return c.pw.Close() }

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.pw.CloseWithError(net.ErrClosed)
		err = c.body.Close()
		c.cancel()
	})
	return err
}

// Pipe relays local through c until the bridge ends the response. End of
// local input half-closes the stream.
func Pipe(c *Conn, local io.ReadWriter) error {
	go func() {
		if _, err := io.Copy(c, local); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, net.ErrClosed) {
			obs.Debug("client.upload", obs.Fields{"err": err.Error()})
		}
		_ = c.CloseWrite()
	}()
	_, err := io.Copy(local, c)
	_ = c.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("download: %w", err)
	}
	return nil
}

// Serve accepts local connections on ln and bridges each one over its own
// stream until ctx ends.
func Serve(ctx context.Context, ln net.Listener, opts Options) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		local, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer local.Close()
			handle(ctx, local, opts)
		}()
	}
}

func handle(ctx context.Context, local net.Conn, opts Options) {
	peer := local.RemoteAddr().String()
	c, err := Dial(ctx, opts)
	if err != nil {
		obs.Error("client.dial", obs.Fields{"peer": peer, "err": err.Error()})
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	obs.Info("client.stream", obs.Fields{"peer": peer})
	if err := Pipe(c, local); err != nil {
		obs.Warn("client.stream.end", obs.Fields{"peer": peer, "err": err.Error()})
		return
	}
	obs.Info("client.stream.end", obs.Fields{"peer": peer})
}
