// Package signal relays the shared signaling channel over WebSocket: a server
// exposing any core.Channel and a client implementing core.Channel.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/televisit/internal/app"
	"github.com/dkeye/televisit/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	errConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
	// Registry and Policy default to a fresh registry and app.SimplePolicy.
	Registry *app.Registry
	Policy   app.Policy
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.Registry == nil {
		o.Registry = app.NewRegistry()
	}
	if o.Policy == nil {
		o.Policy = app.SimplePolicy{}
	}
	return o
}

// Server exposes a core.Channel to WebSocket clients.
type Server struct {
	ch      core.Channel
	limiter *RateLimiter
	opts    Options
	log     zerolog.Logger
}

// Registry exposes the live connections, for presence queries.
func (s *Server) Registry() *app.Registry { return s.opts.Registry }

// NewServer returns a server for ch. A nil limiter disables rate limiting.
func NewServer(ch core.Channel, limiter *RateLimiter, opts Options) *Server {
	return &Server{
		ch:      ch,
		limiter: limiter,
		opts:    opts.withDefaults(),
		log:     log.With().Str("module", "signal").Logger(),
	}
}

type wsConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	client string
	log    zerolog.Logger

	mu     sync.RWMutex
	closed bool

	subsMu sync.Mutex
	subs   map[string]core.CancelFunc
}

func (c *wsConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsConn) addSub(id string, cancel core.CancelFunc) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, dup := c.subs[id]; dup {
		return false
	}
	c.subs[id] = cancel
	return true
}

func (c *wsConn) setSub(id string, cancel core.CancelFunc) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs[id] = cancel
}

func (c *wsConn) dropSub(id string) {
	c.subsMu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()
	if ok {
		cancel()
	}
}

func (c *wsConn) dropAll() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]core.CancelFunc)
	c.subsMu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) HandleSignal(ctx context.Context, c *gin.Context) {
	client := c.GetString("client_token")
	lg := s.log.With().Str("client", client).Logger()
	lg.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		lg.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		id:     uuid.NewString(),
		conn:   ws,
		send:   make(chan []byte, s.opts.SendBuffer),
		client: client,
		log:    lg,
		subs:   make(map[string]core.CancelFunc),
	}

	ctx, cancel := context.WithCancel(ctx)
	s.opts.Registry.Bind(conn.id, client, cancel)
	go s.writePump(ctx, conn)
	go s.readPump(ctx, cancel, conn)
}
