// Package remote provides a codec engine that runs in a sidecar process and is
// reached over a WebSocket. It implements the codec.Engine interface.
//
// Each engine instance owns one WebSocket connection. Requests and responses
// are JSON text frames correlated by a request id. A single reader goroutine
// per connection routes responses to the waiting callers; a caller that times
// out stops waiting and leaves the connection up, and the late response is
// dropped when it arrives. Encoded and captured PCM travel as base64 of the
// little-endian float32 byte view.
//
// When the connection is lost the next call redials, re-sends init and
// replays the receive-protocol toggles before issuing its own request.
//
// Calls can be guarded by a [Breaker]. While it rejects calls, Encode fails
// fast and Decode reports "no payload" so the capture loop keeps running.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	nanoid "github.com/matoous/go-nanoid/v2"

	"github.com/klesis/klesis/pkg/audio"
	"github.com/klesis/klesis/pkg/codec"
)

const (
	defaultTimeout = 5 * time.Second

	// readLimit bounds a single frame. A 140-byte payload on the slowest
	// protocol encodes to a few MB of base64 PCM.
	readLimit = 32 << 20
)

// Sidecar operation names.
const (
	OpInit   = "init"
	OpEncode = "encode"
	OpDecode = "decode"
	OpSetRX  = "set_rx"
	OpClose  = "close"
)

var (
	// ErrConnectionLost is returned to callers whose request was in flight
	// when the sidecar connection dropped.
	ErrConnectionLost = errors.New("remote: connection lost")

	// ErrClosed is returned by calls on a closed instance.
	ErrClosed = errors.New("remote: instance closed")
)

// Request is a single frame sent to the sidecar.
type Request struct {
	ID                   string  `json:"id"`
	Op                   string  `json:"op"`
	SampleRate           int     `json:"sample_rate,omitempty"`
	SoundMarkerThreshold float64 `json:"sound_marker_threshold,omitempty"`
	Text                 string  `json:"text,omitempty"`
	Protocol             int     `json:"protocol"`
	Volume               int     `json:"volume,omitempty"`
	Enabled              bool    `json:"enabled,omitempty"`
	PCM                  []byte  `json:"pcm,omitempty"`
}

// Response is the sidecar's answer to a [Request] with the same ID.
type Response struct {
	ID      string `json:"id"`
	Error   string `json:"error,omitempty"`
	PCM     []byte `json:"pcm,omitempty"`
	Text    string `json:"text,omitempty"`
	Decoded bool   `json:"decoded,omitempty"`
}

// Breaker guards calls to the sidecar. Execute runs fn or rejects it with an
// error of its own; a circuit breaker is the usual implementation.
type Breaker interface {
	Execute(fn func() error) error
}

type passthrough struct{}

func (passthrough) Execute(fn func() error) error { return fn() }

// Option is a functional option for configuring the remote Engine.
type Option func(*Engine)

// WithTimeout bounds every request round trip. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithBreaker guards Encode and Decode calls of all instances with b.
func WithBreaker(b Breaker) Option {
	return func(e *Engine) {
		if b != nil {
			e.breaker = b
		}
	}
}

// WithLogger sets the logger used for connection diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Engine implements codec.Engine backed by a WebSocket sidecar.
type Engine struct {
	url     string
	timeout time.Duration
	breaker Breaker
	logger  *slog.Logger
}

// New creates a remote Engine that dials rawURL. The scheme must be ws or wss.
func New(rawURL string, opts ...Option) (*Engine, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("remote: url scheme %q must be ws or wss", u.Scheme)
	}
	e := &Engine{
		url:     u.String(),
		timeout: defaultTimeout,
		breaker: passthrough{},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewInstance dials the sidecar and initialises an engine bound to
// cfg.SampleRate.
func (e *Engine) NewInstance(ctx context.Context, cfg codec.Config) (codec.Instance, error) {
	inst := &instance{
		engine: e,
		cfg:    cfg,
		rx:     make(map[codec.ProtocolID]bool),
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	inst.mu.Lock()
	_, err := inst.connLocked(ctx)
	inst.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.logger.Debug("remote codec connected", "url", e.url, "sample_rate", cfg.SampleRate)
	return inst, nil
}

// Ensure Engine implements codec.Engine at compile time.
var _ codec.Engine = (*Engine)(nil)

// ── instance ──────────────────────────────────────────────────────────────────

type instance struct {
	engine *Engine
	cfg    codec.Config

	mu     sync.Mutex
	conn   *conn
	rx     map[codec.ProtocolID]bool
	closed bool
}

func (i *instance) Encode(text string, protocol codec.ProtocolID, volume int) ([]float32, error) {
	var resp Response
	err := i.engine.breaker.Execute(func() error {
		var err error
		resp, err = i.callTimeout(Request{Op: OpEncode, Text: text, Protocol: int(protocol), Volume: volume})
		return err
	})
	if err != nil {
		return nil, err
	}
	return audio.BytesFloat32(resp.PCM)
}

func (i *instance) Decode(pcm []byte) (string, bool) {
	var resp Response
	err := i.engine.breaker.Execute(func() error {
		var err error
		resp, err = i.callTimeout(Request{Op: OpDecode, PCM: pcm})
		return err
	})
	if err != nil {
		i.engine.logger.Debug("remote decode failed", "err", err)
		return "", false
	}
	return resp.Text, resp.Decoded
}

func (i *instance) SetRX(protocol codec.ProtocolID, enabled bool) error {
	if _, err := i.callTimeout(Request{Op: OpSetRX, Protocol: int(protocol), Enabled: enabled}); err != nil {
		return err
	}
	i.mu.Lock()
	i.rx[protocol] = enabled
	i.mu.Unlock()
	return nil
}

func (i *instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	c := i.conn
	i.conn = nil
	i.mu.Unlock()

	if c == nil {
		return nil
	}
	if !c.alive() {
		return c.close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), i.engine.timeout)
	defer cancel()
	if _, err := c.roundTrip(ctx, Request{Op: OpClose}); err != nil {
		i.engine.logger.Debug("remote close request failed", "err", err)
	}
	return c.close()
}

func (i *instance) callTimeout(req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), i.engine.timeout)
	defer cancel()

	i.mu.Lock()
	c, err := i.connLocked(ctx)
	i.mu.Unlock()
	if err != nil {
		return Response{}, err
	}
	return c.roundTrip(ctx, req)
}

// connLocked returns a live connection, dialling and re-initialising the
// sidecar when there is none. i.mu must be held.
func (i *instance) connLocked(ctx context.Context) (*conn, error) {
	if i.closed {
		return nil, ErrClosed
	}
	if i.conn != nil && i.conn.alive() {
		return i.conn, nil
	}
	if i.conn != nil {
		i.engine.logger.Warn("remote codec connection lost, redialling", "url", i.engine.url, "err", i.conn.cause())
		_ = i.conn.close()
		i.conn = nil
	}

	c, err := dial(ctx, i.engine.url, i.engine.logger)
	if err != nil {
		return nil, err
	}
	if _, err := c.roundTrip(ctx, Request{
		Op:                   OpInit,
		SampleRate:           i.cfg.SampleRate,
		SoundMarkerThreshold: i.cfg.SoundMarkerThreshold,
	}); err != nil {
		_ = c.close()
		return nil, fmt.Errorf("remote: init: %w", err)
	}
	for p, enabled := range i.rx {
		if _, err := c.roundTrip(ctx, Request{Op: OpSetRX, Protocol: int(p), Enabled: enabled}); err != nil {
			_ = c.close()
			return nil, fmt.Errorf("remote: restore rx %s: %w", p, err)
		}
	}
	i.conn = c
	return c, nil
}

// ── conn ──────────────────────────────────────────────────────────────────────

// conn is one WebSocket to the sidecar with its reader goroutine.
type conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]chan Response
	err     error
}

func dial(ctx context.Context, rawURL string, logger *slog.Logger) (*conn, error) {
	ws, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	cctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		ctx:     cctx,
		cancel:  cancel,
		logger:  logger,
		done:    make(chan struct{}),
		pending: make(map[string]chan Response),
	}
	go c.receiveLoop()
	return c, nil
}

// receiveLoop routes responses to their callers until the connection fails.
// It owns done and the pending channels.
func (c *conn) receiveLoop() {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.fail(err)
			return
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Debug("remote: dropping malformed frame", "err", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("remote: dropping stale response", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		err = ErrClosed
	}
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}

// alive reports whether the reader still runs. The error is set before any
// pending caller is released, so a caller that saw the drop never reuses c.
func (c *conn) alive() bool {
	return c.cause() == nil
}

func (c *conn) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// roundTrip sends req and waits for its response. Giving up on ctx only
// forgets the request; the connection stays open.
func (c *conn) roundTrip(ctx context.Context, req Request) (Response, error) {
	id, err := nanoid.New()
	if err != nil {
		return Response{}, fmt.Errorf("remote: request id: %w", err)
	}
	req.ID = id

	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("remote: marshal %s: %w", req.Op, err)
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Response{}, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	// A write that outlives ctx closes the websocket; the next call redials.
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.forget(id)
		return Response{}, fmt.Errorf("remote: write %s: %w", req.Op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, fmt.Errorf("%w: %s: %w", ErrConnectionLost, req.Op, c.cause())
		}
		if resp.Error != "" {
			return Response{}, fmt.Errorf("remote: %s: %s", req.Op, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return Response{}, fmt.Errorf("remote: %s: %w", req.Op, ctx.Err())
	}
}

func (c *conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) close() error {
	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "instance closed")
	<-c.done
	return nil
}
