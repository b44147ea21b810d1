package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/televisit/internal/adapters/mailbox"
	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClientClosed = errors.New("signal: client closed")

type ClientOptions struct {
	Header    http.Header
	ReadLimit int64
	WriteWait time.Duration
	Dialer    *websocket.Dialer
}

// Client implements core.Channel against a relay Server.
type Client struct {
	conn *websocket.Conn
	opts ClientOptions
	log  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan message
	subs    map[string]*clientSub
	err     error

	done chan struct{}
}

var _ core.Channel = (*Client)(nil)

type clientSub struct {
	mb    *mailbox.Mailbox[message]
	first chan struct{}
	once  sync.Once
}

func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(opts.ReadLimit)

	c := &Client{
		conn:    conn,
		opts:    opts,
		log:     log.With().Str("module", "signal.client").Str("url", url).Logger(),
		pending: make(map[string]chan message),
		subs:    make(map[string]*clientSub),
		done:    make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

func (c *Client) readPump() {
	var err error
	defer func() { c.shutdown(err) }()
	for {
		var data []byte
		if _, data, err = c.conn.ReadMessage(); err != nil {
			return
		}
		var m message
		if jerr := json.Unmarshal(data, &m); jerr != nil {
			c.log.Warn().Err(jerr).Msg("bad frame")
			continue
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m message) {
	switch m.Type {
	case typeAck, typeError:
		c.mu.Lock()
		ch, ok := c.pending[m.ID]
		delete(c.pending, m.ID)
		c.mu.Unlock()
		if ok {
			ch <- m
		}
	case typeSession, typeCandidate:
		c.mu.Lock()
		sub, ok := c.subs[m.Sub]
		c.mu.Unlock()
		if ok {
			sub.mb.Push(m)
		}
	case typePong:
	default:
		c.log.Debug().Str("type", m.Type).Msg("unexpected frame")
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	if err == nil {
		err = ErrClientClosed
	}
	// Pending requests observe done.
	c.err = err
	c.pending = make(map[string]chan message)
	subs := c.subs
	c.subs = make(map[string]*clientSub)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.mb.Close()
	}
	close(c.done)
	_ = c.conn.Close()
	c.log.Info().Err(err).Msg("signal connection closed")
}

// Done is closed when the relay connection is lost or closed.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteWait))
	c.writeMu.Unlock()
	c.shutdown(ErrClientClosed)
	return nil
}

func (c *Client) write(m message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// request sends m and waits for its ack or error frame.
func (c *Client) request(ctx context.Context, m message) (message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	reply := make(chan message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return message{}, err
	}
	c.pending[m.ID] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, m.ID)
		c.mu.Unlock()
	}

	if err := c.write(m); err != nil {
		forget()
		return message{}, err
	}

	select {
	case r := <-reply:
		if r.Type == typeError {
			return r, remoteError(r.Error, r.Message)
		}
		return r, nil
	case <-ctx.Done():
		forget()
		return message{}, ctx.Err()
	case <-c.done:
		return message{}, c.Err()
	}
}

func (c *Client) WriteOffer(ctx context.Context, sid domain.SessionID, from domain.UserID, offer webrtc.SessionDescription) error {
	_, err := c.request(ctx, message{Type: typeWriteOffer, Session: sid, From: from, SDP: &offer})
	return err
}

func (c *Client) WriteAnswer(ctx context.Context, sid domain.SessionID, from domain.UserID, answer webrtc.SessionDescription) error {
	_, err := c.request(ctx, message{Type: typeWriteAnswer, Session: sid, From: from, SDP: &answer})
	return err
}

func (c *Client) AppendCandidate(ctx context.Context, sid domain.SessionID, cand domain.Candidate) (domain.Candidate, error) {
	r, err := c.request(ctx, message{Type: typeAppendCandidate, Session: sid, Candidate: &cand})
	if err != nil {
		return domain.Candidate{}, err
	}
	if r.Candidate == nil {
		return domain.Candidate{}, errors.New("signal: ack without candidate")
	}
	return *r.Candidate, nil
}

func (c *Client) SetStatus(ctx context.Context, sid domain.SessionID, status domain.SessionStatus) error {
	_, err := c.request(ctx, message{Type: typeSetStatus, Session: sid, Status: status})
	return err
}

func (c *Client) Get(ctx context.Context, sid domain.SessionID) (domain.Session, error) {
	r, err := c.request(ctx, message{Type: typeGet, Session: sid})
	if err != nil {
		return domain.Session{}, err
	}
	if r.Record == nil {
		return domain.Session{}, errors.New("signal: ack without record")
	}
	return *r.Record, nil
}

func (c *Client) Subscribe(ctx context.Context, sid domain.SessionID, fn func(domain.Session)) (core.CancelFunc, error) {
	return c.subscribe(ctx, typeSubscribe, sid, func(m message) {
		if m.Record != nil {
			fn(*m.Record)
		}
	})
}

func (c *Client) SubscribeCandidates(ctx context.Context, sid domain.SessionID, fn func(domain.Candidate)) (core.CancelFunc, error) {
	return c.subscribe(ctx, typeSubscribeCandidates, sid, func(m message) {
		if m.Candidate != nil {
			fn(*m.Candidate)
		}
	})
}

// subscribe registers the handler before the request goes out, so events
// that precede the ack are kept. Record subscriptions also wait for the first
// snapshot to be handled before returning.
func (c *Client) subscribe(ctx context.Context, typ string, sid domain.SessionID, fn func(message)) (core.CancelFunc, error) {
	id := uuid.NewString()
	sub := &clientSub{first: make(chan struct{})}
	sub.mb = mailbox.New(func(m message) {
		fn(m)
		sub.once.Do(func() { close(sub.first) })
	})

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.subs[id] = sub
	c.mu.Unlock()
	sub.mb.Start()

	drop := func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		sub.mb.Close()
	}

	if _, err := c.request(ctx, message{Type: typ, ID: id, Session: sid}); err != nil {
		drop()
		return nil, err
	}

	if typ == typeSubscribe {
		select {
		case <-sub.first:
		case <-ctx.Done():
			drop()
			c.unsubscribe(id)
			return nil, ctx.Err()
		case <-c.done:
			return nil, c.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			drop()
			c.unsubscribe(id)
		})
	}, nil
}

// unsubscribe tells the relay to release a subscription without waiting.
func (c *Client) unsubscribe(id string) {
	go func() {
		if c.Err() != nil {
			return
		}
		if err := c.write(message{Type: typeUnsubscribe, ID: uuid.NewString(), Sub: id}); err != nil {
			c.log.Debug().Err(err).Str("sub", id).Msg("unsubscribe")
		}
	}()
}
