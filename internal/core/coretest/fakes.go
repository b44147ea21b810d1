// Package coretest holds hand-written fakes of the core interfaces for tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/webrtc/v4"
)

var ErrInjected = errors.New("injected failure")

// Track is a fake core.LocalTrack.
type Track struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stopped bool
	stops   int

	// Source is set on synthetic tracks.
	Source core.FrameReader
}

var _ core.LocalTrack = (*Track)(nil)

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

func (t *Track) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.stops++
	t.mu.Unlock()
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) StopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// VideoTrack is a fake raw camera track that exposes a frame source.
type VideoTrack struct {
	*Track
	Source *FrameSource
}

func NewVideoTrack(id string) *VideoTrack {
	return &VideoTrack{Track: NewTrack(id, webrtc.RTPCodecTypeVideo), Source: &FrameSource{}}
}

func (v *VideoTrack) Frames() (core.FrameSource, error) { return v.Source, nil }

// FrameSource is a fake core.FrameSource fed by Put.
type FrameSource struct {
	mu     sync.Mutex
	img    image.Image
	ts     time.Duration
	closed bool
}

func (f *FrameSource) Put(img image.Image, ts time.Duration) {
	f.mu.Lock()
	f.img, f.ts = img, ts
	f.mu.Unlock()
}

func (f *FrameSource) Latest() (image.Image, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.img == nil {
		return nil, 0, false
	}
	return f.img, f.ts, true
}

func (f *FrameSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Sender is a fake core.Sender.
type Sender struct {
	mu       sync.Mutex
	track    core.LocalTrack
	replaces int

	ShouldFailReplace bool
}

func (s *Sender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t core.LocalTrack) error {
	if s.ShouldFailReplace {
		return ErrInjected
	}
	s.mu.Lock()
	s.track = t
	s.replaces++
	s.mu.Unlock()
	return nil
}

func (s *Sender) Replaces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaces
}

// PeerConnection is a fake core.PeerConnection. Like pion it rejects
// candidates until a remote description is set.
type PeerConnection struct {
	mu sync.Mutex

	local, remote   *webrtc.SessionDescription
	candidates      []webrtc.ICECandidateInit
	senders         []*Sender
	offers, answers int
	localSets       int
	remoteSets      int
	closed          bool
	state           webrtc.PeerConnectionState

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(core.RemoteTrack)

	// Control behavior for testing
	ShouldFailCreateOffer  bool
	ShouldFailCreateAnswer bool
	ShouldFailSetRemote    bool
	ShouldFailAddTrack     bool
}

var _ core.PeerConnection = (*PeerConnection)(nil)

func NewPeerConnection() *PeerConnection {
	return &PeerConnection{state: webrtc.PeerConnectionStateNew}
}

func (p *PeerConnection) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	if p.ShouldFailCreateOffer {
		return webrtc.SessionDescription{}, ErrInjected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.offers)}, nil
}

func (p *PeerConnection) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	if p.ShouldFailCreateAnswer {
		return webrtc.SessionDescription{}, ErrInjected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.answers)}, nil
}

func (p *PeerConnection) SetLocalDescription(_ context.Context, sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &sd
	p.localSets++
	return nil
}

func (p *PeerConnection) SetRemoteDescription(_ context.Context, sd webrtc.SessionDescription) error {
	if p.ShouldFailSetRemote {
		return ErrInjected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &sd
	p.remoteSets++
	return nil
}

func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *PeerConnection) AddTrack(t core.LocalTrack) (core.Sender, error) {
	if p.ShouldFailAddTrack {
		return nil, ErrInjected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &Sender{track: t}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.SetState(webrtc.PeerConnectionStateClosed)
	return nil
}

// EmitCandidate simulates a locally gathered candidate.
func (p *PeerConnection) EmitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *PeerConnection) SetState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.state = st
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (p *PeerConnection) EmitTrack(t core.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (p *PeerConnection) Local() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *PeerConnection) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *PeerConnection) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *PeerConnection) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sender(nil), p.senders...)
}

// Counts returns how many offers, answers and remote descriptions were produced or applied.
func (p *PeerConnection) Counts() (offers, answers, remoteSets int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.answers, p.remoteSets
}

// DescriptionSets counts local plus remote description applications.
func (p *PeerConnection) DescriptionSets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localSets + p.remoteSets
}

func (p *PeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// RemoteTrack is a fake core.RemoteTrack.
type RemoteTrack struct {
	TrackID, Stream string
	Codec           webrtc.RTPCodecType
}

func (r RemoteTrack) ID() string                { return r.TrackID }
func (r RemoteTrack) StreamID() string          { return r.Stream }
func (r RemoteTrack) Kind() webrtc.RTPCodecType { return r.Codec }

// Devices is a fake core.MediaDevices.
type Devices struct {
	mu         sync.Mutex
	Audio      *Track
	Video      *VideoTrack
	Err        error
	calls      int
	synthetics []*Track
}

func NewDevices() *Devices {
	return &Devices{
		Audio: NewTrack("mic", webrtc.RTPCodecTypeAudio),
		Video: NewVideoTrack("cam"),
	}
}

func (d *Devices) GetUserMedia(context.Context) (core.TrackSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.Err != nil {
		return core.TrackSet{}, d.Err
	}
	var ts core.TrackSet
	if d.Audio != nil {
		ts.Audio = d.Audio
	}
	if d.Video != nil {
		ts.Video = d.Video
	}
	return ts, nil
}

func (d *Devices) NewSyntheticVideoTrack(id string, src core.FrameReader) (core.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := NewTrack(id, webrtc.RTPCodecTypeVideo)
	t.Source = src
	d.synthetics = append(d.synthetics, t)
	return t, nil
}

func (d *Devices) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *Devices) Synthetics() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Track(nil), d.synthetics...)
}

// Detector is a fake core.Detector returning a fixed set of faces.
type Detector struct {
	mu     sync.Mutex
	faces  []core.Landmarks
	err    error
	calls  int
	seen   []time.Duration
	closed bool
}

func NewDetector(faces ...core.Landmarks) *Detector { return &Detector{faces: faces} }

func (d *Detector) SetFaces(faces ...core.Landmarks) {
	d.mu.Lock()
	d.faces = faces
	d.mu.Unlock()
}

func (d *Detector) SetErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *Detector) Detect(_ context.Context, _ image.Image, ts time.Duration) ([]core.Landmarks, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.seen = append(d.seen, ts)
	if d.err != nil {
		return nil, d.err
	}
	return d.faces, nil
}

func (d *Detector) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *Detector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *Detector) Timestamps() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.seen...)
}

func (d *Detector) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Channel wraps a real core.Channel and injects write failures.
type Channel struct {
	core.Channel

	mu           sync.Mutex
	failOffers   int
	failAnswers  int
	failStatus   bool
	offerWrites  int
	answerWrites int
	statusWrites []domain.SessionStatus
}

func NewChannel(inner core.Channel) *Channel { return &Channel{Channel: inner} }

// FailOffers makes the next n offer writes fail.
func (c *Channel) FailOffers(n int) {
	c.mu.Lock()
	c.failOffers = n
	c.mu.Unlock()
}

func (c *Channel) FailAnswers(n int) {
	c.mu.Lock()
	c.failAnswers = n
	c.mu.Unlock()
}

func (c *Channel) FailStatus(v bool) {
	c.mu.Lock()
	c.failStatus = v
	c.mu.Unlock()
}

func (c *Channel) WriteOffer(ctx context.Context, sid domain.SessionID, from domain.UserID, sd webrtc.SessionDescription) error {
	c.mu.Lock()
	c.offerWrites++
	fail := c.failOffers > 0
	if fail {
		c.failOffers--
	}
	c.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return c.Channel.WriteOffer(ctx, sid, from, sd)
}

func (c *Channel) WriteAnswer(ctx context.Context, sid domain.SessionID, from domain.UserID, sd webrtc.SessionDescription) error {
	c.mu.Lock()
	c.answerWrites++
	fail := c.failAnswers > 0
	if fail {
		c.failAnswers--
	}
	c.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return c.Channel.WriteAnswer(ctx, sid, from, sd)
}

func (c *Channel) SetStatus(ctx context.Context, sid domain.SessionID, st domain.SessionStatus) error {
	c.mu.Lock()
	c.statusWrites = append(c.statusWrites, st)
	fail := c.failStatus
	c.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return c.Channel.SetStatus(ctx, sid, st)
}

// Writes returns the number of offer and answer write attempts.
func (c *Channel) Writes() (offers, answers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offerWrites, c.answerWrites
}

func (c *Channel) StatusWrites() []domain.SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SessionStatus(nil), c.statusWrites...)
}

// Factory is a fake core.PeerConnectionFactory handing out fake connections.
type Factory struct {
	mu    sync.Mutex
	conns []*PeerConnection
	Err   error
	// Prepare runs on every new connection before it is returned.
	Prepare func(*PeerConnection)
}

var _ core.PeerConnectionFactory = (*Factory)(nil)

func (f *Factory) NewPeerConnection(context.Context, domain.SessionID) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	pc := NewPeerConnection()
	if f.Prepare != nil {
		f.Prepare(pc)
	}
	f.conns = append(f.conns, pc)
	return pc, nil
}

func (f *Factory) Conns() []*PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*PeerConnection(nil), f.conns...)
}

// Last returns the most recent connection or nil.
func (f *Factory) Last() *PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}
