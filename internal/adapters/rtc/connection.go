package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrForeignTrack = errors.New("rtc: track cannot be transmitted by pion")

// Transmittable is implemented by local tracks backed by a pion track.
type Transmittable interface {
	TrackLocal() webrtc.TrackLocal
}

type Options struct {
	ICEServers []webrtc.ICEServer

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// RegisterCodecs fills the media engine. Defaults to pion's default codecs.
	RegisterCodecs func(*webrtc.MediaEngine) error
}

func DefaultOptions() Options {
	return Options{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Factory builds pion peer connections sharing one configuration.
type Factory struct {
	opts Options
	log  zerolog.Logger
}

var _ core.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(opts Options, lg zerolog.Logger) *Factory {
	return &Factory{opts: opts, log: lg.With().Str("module", "webrtc").Logger()}
}

func (f *Factory) api() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	register := f.opts.RegisterCodecs
	if register == nil {
		register = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := register(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if f.opts.DisconnectedTimeout > 0 && f.opts.FailedTimeout > 0 {
		se.SetICETimeouts(f.opts.DisconnectedTimeout, f.opts.FailedTimeout, f.opts.KeepAliveInterval)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func (f *Factory) NewPeerConnection(ctx context.Context, sid domain.SessionID) (core.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	api, err := f.api()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.opts.ICEServers})
	if err != nil {
		return nil, err
	}
	c := &Connection{
		pc:  pc,
		sid: sid,
		log: f.log.With().Str("sid", string(sid)).Logger(),
	}
	c.start()
	return c, nil
}

// Connection wraps one pion PeerConnection. Callbacks may be registered at any
// time; events fired before registration are dropped.
type Connection struct {
	pc  *webrtc.PeerConnection
	sid domain.SessionID
	log zerolog.Logger

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(core.RemoteTrack)
	remotes []*RemoteTrack
	senders []*Sender

	closeOnce sync.Once
	closeErr  error
}

var _ core.PeerConnection = (*Connection)(nil)

func (c *Connection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")

		rt := newRemoteTrack(track, c.pc, c.log)
		c.mu.Lock()
		c.remotes = append(c.remotes, rt)
		fn := c.onTrack
		c.mu.Unlock()
		go rt.loop()
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go rt.requestKeyframes(keyframeInterval)
		}
		if fn != nil {
			fn(rt)
		}
	})
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(ctx context.Context, sd webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetLocalDescription(sd)
}

func (c *Connection) SetRemoteDescription(ctx context.Context, sd webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches a local track and starts draining its RTCP feedback.
func (c *Connection) AddTrack(t core.LocalTrack) (core.Sender, error) {
	tl, err := trackLocal(t)
	if err != nil {
		return nil, err
	}
	rs, err := c.pc.AddTrack(tl)
	if err != nil {
		return nil, err
	}
	s := newSender(rs, t, c.log)
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	go s.readRTCP()
	return s, nil
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

// Senders returns the attached senders with their feedback counters.
func (c *Connection) Senders() []*Sender {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Sender(nil), c.senders...)
}

func (c *Connection) RemoteTracks() []*RemoteTrack {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*RemoteTrack(nil), c.remotes...)
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.RLock()
		remotes := append([]*RemoteTrack(nil), c.remotes...)
		c.mu.RUnlock()
		for _, rt := range remotes {
			rt.stop()
		}
		c.closeErr = c.pc.Close()
		if c.closeErr != nil {
			c.log.Error().Err(c.closeErr).Msg("close error")
		} else {
			c.log.Info().Msg("closed")
		}
	})
	return c.closeErr
}

func trackLocal(t core.LocalTrack) (webrtc.TrackLocal, error) {
	if t == nil {
		return nil, errors.New("rtc: nil track")
	}
	tr, ok := t.(Transmittable)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrForeignTrack, t)
	}
	return tr.TrackLocal(), nil
}
