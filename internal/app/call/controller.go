// Package call runs one peer's side of a call session: local media,
// negotiation over the signaling channel, face redaction and teardown.
package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/televisit/internal/app/media"
	"github.com/dkeye/televisit/internal/app/negotiation"
	"github.com/dkeye/televisit/internal/app/redact"
	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrNotStarted = errors.New("call not started")
	ErrCallEnded  = errors.New("call ended")
	ErrNoFrames   = errors.New("local video has no frame source")
)

type Deps struct {
	Channel     core.Channel
	Devices     core.MediaDevices
	Connections core.PeerConnectionFactory
	Detector    core.DetectorLoader
}

type Config struct {
	EndWriteTimeout time.Duration
	EventBuffer     int
	Redaction       redact.Options
}

// Controller is the per-peer, per-session owner of the connection and tracks.
// Channel deliveries and connection events are handled one at a time on a
// single loop goroutine.
type Controller struct {
	deps   Deps
	cfg    Config
	log    atomic.Pointer[zerolog.Logger]
	media  *media.Pipeline
	engine *redact.Engine

	// life is canceled by teardown; it bounds detector loads.
	life     context.Context
	lifeStop context.CancelFunc

	mu         sync.Mutex
	started    bool
	startErr   error
	sid        domain.SessionID
	self       domain.Participant
	neg        *negotiation.Machine
	pc         core.PeerConnection
	connState  webrtc.PeerConnectionState
	remote     []core.RemoteTrack
	stats      negotiation.Stats
	cancelSubs []core.CancelFunc
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	ended      bool
	err        error
	onError    func(error)

	// blurMu serialises blur toggles with connection setup and teardown.
	blurMu    sync.Mutex
	blurOn    bool
	synthetic core.LocalTrack
	frames    core.FrameSource

	events chan func(context.Context)
	done   chan struct{}
}

func New(deps Deps, cfg Config, lg zerolog.Logger) *Controller {
	if cfg.EndWriteTimeout <= 0 {
		cfg.EndWriteTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	lg = lg.With().Str("module", "call").Logger()
	life, stop := context.WithCancel(context.Background())
	c := &Controller{
		deps:      deps,
		cfg:       cfg,
		media:     media.NewPipeline(deps.Devices, lg),
		engine:    redact.NewEngine(deps.Detector, cfg.Redaction, lg),
		life:      life,
		lifeStop:  stop,
		connState: webrtc.PeerConnectionStateNew,
		events:    make(chan func(context.Context), cfg.EventBuffer),
		done:      make(chan struct{}),
	}
	c.log.Store(&lg)
	return c
}

func (c *Controller) logger() *zerolog.Logger { return c.log.Load() }

// OnError registers the user notification hook. It receives every surfaced
// error, fatal or not, from the goroutine that hit it.
func (c *Controller) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Start acquires local media, then subscribes to the session record and its
// candidate log. Nothing is written to the channel if media acquisition fails.
// Calling Start again returns the result of the first call.
func (c *Controller) Start(ctx context.Context, sid domain.SessionID, selfID domain.UserID, role domain.Role) error {
	c.mu.Lock()
	if c.started {
		err := c.startErr
		c.mu.Unlock()
		return err
	}
	c.started = true
	c.sid = sid
	c.self = domain.Participant{ID: selfID, Role: role}
	c.mu.Unlock()
	lg := c.logger().With().Str("session", string(sid)).Str("self", string(selfID)).Logger()
	c.log.Store(&lg)

	err := c.start(ctx)
	if err != nil {
		c.mu.Lock()
		c.startErr = err
		c.mu.Unlock()
		c.notify(err)
		c.teardown("start failed", err)
	}
	return err
}

func (c *Controller) start(ctx context.Context) error {
	if _, err := c.media.AcquireLocalMedia(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	neg, err := negotiation.New(loopCtx, negotiation.Config{
		Session: c.sid,
		Self:    c.self,
		Channel: c.deps.Channel,
		Connect: c.connect,
		Log:     c.logger(),
	})
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.neg = neg
	c.loopCtx = loopCtx
	c.loopCancel = cancel
	c.loopDone = make(chan struct{})
	c.mu.Unlock()
	go c.run(loopCtx, neg)

	cancelRecord, err := c.deps.Channel.Subscribe(ctx, c.sid, func(s domain.Session) {
		c.post(func(ctx context.Context) { c.onSession(ctx, s) })
	})
	if err != nil {
		return err
	}
	c.addSub(cancelRecord)

	cancelCands, err := c.deps.Channel.SubscribeCandidates(ctx, c.sid, func(cd domain.Candidate) {
		c.post(func(ctx context.Context) { c.onCandidate(ctx, cd) })
	})
	if err != nil {
		return err
	}
	c.addSub(cancelCands)

	c.logger().Info().Str("role", c.self.Role.String()).Msg("call started")
	return nil
}

func (c *Controller) addSub(cancel core.CancelFunc) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancelSubs = append(c.cancelSubs, cancel)
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context, neg *negotiation.Machine) {
	defer close(c.loopDone)
	for {
		select {
		case <-ctx.Done():
			neg.End()
			c.saveStats(neg)
			return
		case ev := <-c.events:
			ev(ctx)
			c.saveStats(neg)
		}
	}
}

func (c *Controller) saveStats(neg *negotiation.Machine) {
	st := neg.Stats()
	c.mu.Lock()
	c.stats = st
	c.mu.Unlock()
}

// post queues fn on the loop. It reports false once the loop is gone.
func (c *Controller) post(fn func(context.Context)) bool {
	c.mu.Lock()
	ctx := c.loopCtx
	c.mu.Unlock()
	if ctx == nil {
		return false
	}
	select {
	case c.events <- fn:
		return true
	case <-ctx.Done():
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (c *Controller) do(ctx context.Context, fn func(context.Context) error) error {
	res := make(chan error, 1)
	if !c.post(func(lctx context.Context) { res <- fn(lctx) }) {
		return ErrCallEnded
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrCallEnded
	}
}

func (c *Controller) onSession(ctx context.Context, s domain.Session) {
	if c.isEnded() {
		return
	}
	neg := c.machine()
	err := neg.HandleSession(ctx, s)
	if neg.Ended() {
		c.teardown("session ended", nil)
		return
	}
	c.report(err)
}

func (c *Controller) onCandidate(ctx context.Context, cd domain.Candidate) {
	if c.isEnded() {
		return
	}
	c.report(c.machine().HandleCandidate(ctx, cd))
}

// connect is the negotiation machine's connection provider. It runs on the loop.
func (c *Controller) connect(ctx context.Context) (core.PeerConnection, error) {
	pc, err := c.deps.Connections.NewPeerConnection(ctx, c.sid)
	if err != nil {
		return nil, err
	}
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		c.mu.Lock()
		c.connState = st
		c.mu.Unlock()
		c.logger().Info().Str("state", st.String()).Msg("connection state")
		c.post(func(context.Context) { c.machine().ConnectionStateChanged(st) })
	})
	pc.OnTrack(func(t core.RemoteTrack) {
		c.mu.Lock()
		c.remote = append(c.remote, t)
		c.mu.Unlock()
		c.logger().Info().Str("track", t.ID()).Str("kind", t.Kind().String()).Msg("remote track")
	})

	c.blurMu.Lock()
	defer c.blurMu.Unlock()
	if err := c.media.AttachTracks(pc); err != nil {
		go pc.Close()
		return nil, err
	}
	if c.synthetic != nil {
		if err := c.media.ReplaceVideoTrack(c.synthetic); err != nil {
			c.logger().Warn().Err(err).Msg("attach redacted video")
		}
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		go pc.Close()
		return nil, ErrCallEnded
	}
	c.pc = pc
	c.mu.Unlock()
	return pc, nil
}

func (c *Controller) report(err error) {
	if err == nil || domain.Stale(err) || c.isEnded() {
		return
	}
	c.notify(err)
	if domain.Fatal(err) {
		c.teardown("fatal error", err)
	}
}

func (c *Controller) notify(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	c.logger().Error().Err(err).Bool("fatal", domain.Fatal(err)).Msg("call error")
	if fn != nil {
		fn(err)
	}
}

// ToggleMute flips the microphone and returns the new muted state.
func (c *Controller) ToggleMute() bool {
	muted := c.media.ToggleMute()
	c.logger().Info().Bool("muted", muted).Msg("mute toggled")
	return muted
}

// ToggleVideo flips the camera and returns the new video-off state.
func (c *Controller) ToggleVideo() bool {
	off := c.media.ToggleVideoOff()
	c.logger().Info().Bool("video_off", off).Msg("video toggled")
	return off
}

// ToggleBlur swaps between the raw and the redacted video track without
// renegotiation and returns the new blur state. A DetectorInitError leaves
// blur off and the call running.
func (c *Controller) ToggleBlur(ctx context.Context) (bool, error) {
	if c.isEnded() {
		return false, ErrCallEnded
	}
	if !c.isStarted() {
		return false, ErrNotStarted
	}
	if !c.IsBlurOn() {
		if err := c.loadDetector(ctx); err != nil {
			if c.isEnded() {
				return false, ErrCallEnded
			}
			c.notify(err)
			return false, err
		}
	}

	c.blurMu.Lock()
	defer c.blurMu.Unlock()
	if c.isEnded() {
		// A load that outlived teardown may have stored a detector.
		if err := c.engine.Close(); err != nil {
			c.logger().Warn().Err(err).Msg("close face detector")
		}
		return false, ErrCallEnded
	}

	var err error
	if c.blurOn {
		c.blurOffLocked()
	} else {
		err = c.blurOnLocked(ctx)
	}
	if err != nil {
		c.notify(err)
		return c.blurOn, err
	}
	c.logger().Info().Bool("blur", c.blurOn).Msg("blur toggled")
	return c.blurOn, nil
}

// loadDetector runs the detector load outside blurMu so teardown and
// connection setup never wait on it. Teardown cancels it.
func (c *Controller) loadDetector(ctx context.Context) error {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()
	return c.engine.EnsureDetector(lctx)
}

func (c *Controller) blurOnLocked(ctx context.Context) error {
	raw := c.media.Raw().Video
	fp, ok := raw.(core.FrameProvider)
	if raw == nil || !ok {
		return ErrNoFrames
	}
	src, err := fp.Frames()
	if err != nil {
		return err
	}
	surface, err := c.engine.Start(ctx, src)
	if err != nil {
		_ = src.Close()
		return err
	}
	synth, err := c.deps.Devices.NewSyntheticVideoTrack(raw.ID()+"-redacted", surface)
	if err != nil {
		c.engine.Stop()
		_ = src.Close()
		return err
	}
	if err := c.media.ReplaceVideoTrack(synth); err != nil && !errors.Is(err, media.ErrNoVideoSender) {
		synth.Stop()
		c.engine.Stop()
		_ = src.Close()
		return err
	}
	c.synthetic, c.frames, c.blurOn = synth, src, true
	return nil
}

func (c *Controller) blurOffLocked() {
	c.engine.Stop()
	raw := c.media.Raw().Video
	if err := c.media.ReplaceVideoTrack(raw); err != nil && !errors.Is(err, media.ErrNoVideoSender) {
		c.logger().Warn().Err(err).Msg("restore raw video")
	}
	c.releaseBlurLocked()
}

func (c *Controller) releaseBlurLocked() {
	if c.synthetic != nil {
		c.synthetic.Stop()
		c.synthetic = nil
	}
	if c.frames != nil {
		_ = c.frames.Close()
		c.frames = nil
	}
	c.blurOn = false
}

// RetrySignal re-sends an offer or answer whose channel write failed.
func (c *Controller) RetrySignal(ctx context.Context) error {
	if !c.isStarted() {
		return ErrNotStarted
	}
	err := c.do(ctx, func(lctx context.Context) error {
		return c.machine().RetryWrite(lctx)
	})
	if err != nil && !errors.Is(err, domain.ErrNothingToRetry) && !errors.Is(err, ErrCallEnded) {
		c.report(err)
	}
	return err
}

// EndCall tears the call down locally, then makes a single best-effort
// status=ended write bounded by the configured timeout.
func (c *Controller) EndCall(ctx context.Context) error {
	if !c.isStarted() {
		return ErrNotStarted
	}
	if !c.teardown("ended locally", nil) {
		return nil
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.EndWriteTimeout)
	defer cancel()
	if err := c.deps.Channel.SetStatus(wctx, c.sid, domain.StatusEnded); err != nil {
		c.logger().Warn().Err(&domain.ChannelWriteError{Field: "status", Err: err}).Msg("ended write failed")
	}
	return nil
}

// teardown releases every local resource exactly once. It never writes to
// the channel and never waits for the loop, so it is safe from any goroutine.
func (c *Controller) teardown(reason string, cause error) bool {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return false
	}
	c.ended = true
	c.err = cause
	cancelLoop := c.loopCancel
	subs := c.cancelSubs
	c.cancelSubs = nil
	pc := c.pc
	c.mu.Unlock()

	c.lifeStop()
	if cancelLoop != nil {
		cancelLoop()
	}
	for _, cancel := range subs {
		cancel()
	}

	c.blurMu.Lock()
	if err := c.engine.Close(); err != nil {
		c.logger().Warn().Err(err).Msg("close face detector")
	}
	c.releaseBlurLocked()
	c.blurMu.Unlock()

	c.media.Stop()
	if pc != nil {
		go func() {
			if err := pc.Close(); err != nil {
				c.logger().Warn().Err(err).Msg("close peer connection")
			}
		}()
	}
	close(c.done)
	c.logger().Info().Str("reason", reason).Msg("call torn down")
	return true
}

func (c *Controller) machine() *negotiation.Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.neg
}

func (c *Controller) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Controller) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Controller) Session() domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

func (c *Controller) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// LocalStream is the raw audio plus whichever video track is transmitted.
func (c *Controller) LocalStream() core.TrackSet {
	return core.TrackSet{Audio: c.media.Raw().Audio, Video: c.media.Transmitted()}
}

func (c *Controller) RemoteStream() []core.RemoteTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.RemoteTrack(nil), c.remote...)
}

func (c *Controller) IsMuted() bool    { return c.media.Muted() }
func (c *Controller) IsVideoOff() bool { return c.media.VideoOff() }

func (c *Controller) IsBlurOn() bool {
	c.blurMu.Lock()
	defer c.blurMu.Unlock()
	return c.blurOn
}

// Stats is the negotiation snapshot taken after the last handled event.
func (c *Controller) Stats() negotiation.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) RedactionStats() redact.Stats { return c.engine.Stats() }

// Done is closed once the call is torn down, locally or remotely.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err is the fatal error that ended the call, nil for a normal end.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
