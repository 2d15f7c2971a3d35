package eventstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultReconnectDelay is the wait between a dropped connection and the next
// dial attempt.
const DefaultReconnectDelay = 5 * time.Second

// Conn is one established event-stream connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens event-stream connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the hardware controller with coder/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client // Optional; nil uses http.DefaultClient.
}

// Dial implements [Dialer].
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// Handler receives decoded events. It is called from the listener goroutine
// and must not block for long.
type Handler func(Event)

// Option configures a [Listener].
type Option func(*Listener)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(l *Listener) { l.dialer = d }
}

// WithReconnectDelay sets the wait between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(l *Listener) { l.reconnectDelay = d }
}

// WithOnConnect registers fn to run in its own goroutine after every
// successful dial. Its context is cancelled when that connection ends.
func WithOnConnect(fn func(ctx context.Context)) Option {
	return func(l *Listener) { l.onConnect = fn }
}

// Listener maintains the event-stream connection.
type Listener struct {
	url            string
	handler        Handler
	dialer         Dialer
	reconnectDelay time.Duration
	onConnect      func(ctx context.Context)

	connected atomic.Bool
}

// NewListener creates a Listener for url that delivers events to h.
func NewListener(url string, h Handler, opts ...Option) *Listener {
	l := &Listener{
		url:            url,
		handler:        h,
		dialer:         WebSocketDialer{},
		reconnectDelay: DefaultReconnectDelay,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Connected reports whether a connection is currently established.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Run dials, reads and reconnects until ctx is cancelled. It returns nil on
// cancellation.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := l.session(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Dur("retry_in", l.reconnectDelay).Msg("eventstream: connection lost")
		}

		if ctx.Err() != nil {
			return nil
		}

		t := time.NewTimer(l.reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection until it fails.
func (l *Listener) session(ctx context.Context) error {
	conn, err := l.dialer.Dial(ctx, l.url)
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.Close() }()

	l.connected.Store(true)
	defer l.connected.Store(false)

	log.Info().Str("url", l.url).Msg("eventstream: connected")

	if l.onConnect != nil {
		go l.onConnect(connCtx)
	}

	for {
		data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}

		ev, err := Decode(data)
		if err != nil {
			if errors.Is(err, ErrUnknownFunction) {
				log.Debug().Err(err).Msg("eventstream: ignoring frame")
			} else {
				log.Error().Err(err).Msg("eventstream: bad frame")
			}
			continue
		}

		l.handler(ev)
	}
}
