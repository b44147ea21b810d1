package call

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/televisit/internal/adapters/store"
	"github.com/dkeye/televisit/internal/app/negotiation"
	"github.com/dkeye/televisit/internal/app/redact"
	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/core/coretest"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sid     = domain.SessionID("S1")
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

type peer struct {
	ctl      *Controller
	ch       *coretest.Channel
	devices  *coretest.Devices
	factory  *coretest.Factory
	detector *coretest.Detector

	mu     sync.Mutex
	errors []error
}

func (p *peer) seen() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errors...)
}

func (p *peer) pc() *coretest.PeerConnection { return p.factory.Last() }

func newPeer(t *testing.T, shared core.Channel) *peer {
	t.Helper()
	p := &peer{
		ch:       coretest.NewChannel(shared),
		devices:  coretest.NewDevices(),
		factory:  &coretest.Factory{},
		detector: coretest.NewDetector(),
	}
	p.ctl = New(Deps{
		Channel:     p.ch,
		Devices:     p.devices,
		Connections: p.factory,
		Detector: func(context.Context) (core.Detector, error) {
			return p.detector, nil
		},
	}, Config{
		EndWriteTimeout: time.Second,
		Redaction:       redact.Options{FrameInterval: poll},
	}, zerolog.Nop())
	p.ctl.OnError(func(err error) {
		p.mu.Lock()
		p.errors = append(p.errors, err)
		p.mu.Unlock()
	})
	t.Cleanup(func() { _ = p.ctl.EndCall(context.Background()) })
	return p
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// negotiate runs scenario S1 up to both peers holding both descriptions.
func negotiate(t *testing.T) (a, b *peer, shared *store.Memory) {
	t.Helper()
	ctx := context.Background()
	shared = store.NewMemory(time.Minute)
	a = newPeer(t, shared)
	b = newPeer(t, shared)

	require.NoError(t, a.ctl.Start(ctx, sid, "patient-1", domain.RolePatient))
	require.NoError(t, b.ctl.Start(ctx, sid, "doc-1", domain.RoleProvider))

	require.Eventually(t, func() bool {
		return a.pc() != nil && a.pc().Remote() != nil && b.pc() != nil && b.pc().Local() != nil
	}, waitFor, poll)
	return a, b, shared
}

func TestScenarioS1(t *testing.T) {
	ctx := context.Background()
	a, b, shared := negotiate(t)

	s, err := shared.Get(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, s.Offer)
	require.NotNil(t, s.Answer)
	assert.Equal(t, domain.StatusActive, s.Status)
	assert.Equal(t, domain.UserID("patient-1"), s.PatientID)
	assert.Equal(t, domain.UserID("doc-1"), s.ProviderID)
	assert.Equal(t, a.pc().Local().SDP, s.Offer.SDP)
	assert.Equal(t, b.pc().Remote().SDP, s.Offer.SDP)
	assert.Equal(t, s.Answer.SDP, a.pc().Remote().SDP)

	offers, _, remoteSets := a.pc().Counts()
	assert.Equal(t, 1, offers)
	assert.Equal(t, 1, remoteSets)
	_, answers, remoteSets := b.pc().Counts()
	assert.Equal(t, 1, answers)
	assert.Equal(t, 1, remoteSets)

	offerWrites, _ := a.ch.Writes()
	_, answerWrites := b.ch.Writes()
	assert.Equal(t, 1, offerWrites)
	assert.Equal(t, 1, answerWrites)

	// Candidate exchange in both directions.
	a.pc().EmitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:a"})
	b.pc().EmitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:b"})
	require.Eventually(t, func() bool {
		return len(a.pc().Candidates()) == 1 && len(b.pc().Candidates()) == 1
	}, waitFor, poll)
	assert.Equal(t, "candidate:b", a.pc().Candidates()[0].Candidate)
	assert.Equal(t, "candidate:a", b.pc().Candidates()[0].Candidate)

	a.pc().SetState(webrtc.PeerConnectionStateConnected)
	b.pc().SetState(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool {
		return a.ctl.Stats().State == negotiation.StateConnected &&
			b.ctl.Stats().State == negotiation.StateConnected
	}, waitFor, poll)
	assert.Equal(t, webrtc.PeerConnectionStateConnected, a.ctl.ConnectionState())

	for _, p := range []*peer{a, b} {
		st := p.ctl.Stats()
		assert.True(t, st.LocalCreated)
		assert.True(t, st.LocalWritten)
		assert.True(t, st.RemoteApplied)
		assert.Empty(t, p.seen())
	}
	assert.Len(t, a.pc().Senders(), 2)
}

func TestRemoteTrackIsExposed(t *testing.T) {
	a, _, _ := negotiate(t)
	a.pc().EmitTrack(coretest.RemoteTrack{TrackID: "remote-cam", Stream: "doc", Codec: webrtc.RTPCodecTypeVideo})
	require.Len(t, a.ctl.RemoteStream(), 1)
	assert.Equal(t, "remote-cam", a.ctl.RemoteStream()[0].ID())
}

func TestStart_MediaFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory(time.Minute)
	p := newPeer(t, shared)
	p.devices.Err = domain.ErrMediaAccessDenied

	err := p.ctl.Start(ctx, sid, "patient-1", domain.RolePatient)
	var mae *domain.MediaAccessError
	require.ErrorAs(t, err, &mae)

	_, getErr := shared.Get(ctx, sid)
	assert.ErrorIs(t, getErr, domain.ErrSessionNotFound)
	assert.Empty(t, p.factory.Conns())
	offers, answers := p.ch.Writes()
	assert.Zero(t, offers+answers)
	assert.True(t, closed(p.ctl.Done()))
	require.Len(t, p.seen(), 1)

	again := p.ctl.Start(ctx, sid, "patient-1", domain.RolePatient)
	assert.Same(t, err, again)
	assert.Equal(t, 1, p.devices.Calls())

	require.NoError(t, p.ctl.EndCall(ctx))
	assert.Empty(t, p.ch.StatusWrites())
}

func TestToggleMuteAndVideo(t *testing.T) {
	a, _, _ := negotiate(t)
	before := a.pc().DescriptionSets()

	assert.True(t, a.ctl.ToggleMute())
	assert.True(t, a.ctl.IsMuted())
	assert.False(t, a.devices.Audio.Enabled())

	assert.True(t, a.ctl.ToggleVideo())
	assert.True(t, a.ctl.IsVideoOff())
	assert.False(t, a.devices.Video.Enabled())

	assert.Equal(t, before, a.pc().DescriptionSets())
	assert.Len(t, a.pc().Senders(), 2)
}

func TestBlurToggleTransparency(t *testing.T) {
	ctx := context.Background()
	a, _, _ := negotiate(t)
	before := a.pc().DescriptionSets()
	video := a.pc().Senders()[1]
	require.Same(t, a.devices.Video, video.Track())

	on, err := a.ctl.ToggleBlur(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, a.ctl.IsBlurOn())

	synth := a.devices.Synthetics()
	require.Len(t, synth, 1)
	assert.Same(t, synth[0], video.Track())
	assert.Same(t, synth[0], a.ctl.LocalStream().Video)
	assert.Same(t, a.devices.Audio, a.ctl.LocalStream().Audio)

	on, err = a.ctl.ToggleBlur(ctx)
	require.NoError(t, err)
	assert.False(t, on)
	assert.Same(t, a.devices.Video, video.Track())
	assert.True(t, synth[0].Stopped())
	assert.False(t, a.devices.Video.Stopped())

	assert.Equal(t, before, a.pc().DescriptionSets(), "no renegotiation")
	assert.Len(t, a.pc().Senders(), 2)
}

func TestBlurDetectorInitFailure(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory(time.Minute)
	p := newPeer(t, shared)
	loads := 0
	p.ctl.engine = redact.NewEngine(func(context.Context) (core.Detector, error) {
		loads++
		return nil, errors.New("model unavailable")
	}, redact.Options{}, zerolog.Nop())

	require.NoError(t, p.ctl.Start(ctx, sid, "patient-1", domain.RolePatient))

	on, err := p.ctl.ToggleBlur(ctx)
	var die *domain.DetectorInitError
	require.ErrorAs(t, err, &die)
	assert.False(t, on)
	assert.False(t, p.ctl.IsBlurOn())
	assert.False(t, closed(p.ctl.Done()), "call survives")

	_, err = p.ctl.ToggleBlur(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, loads, "every toggle retries the load")
	assert.Len(t, p.seen(), 2)
}

func TestBlurBeforeConnection(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory(time.Minute)
	b := newPeer(t, shared)
	require.NoError(t, b.ctl.Start(ctx, sid, "doc-1", domain.RoleProvider))

	on, err := b.ctl.ToggleBlur(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	require.Len(t, b.devices.Synthetics(), 1)
	assert.Same(t, b.devices.Synthetics()[0], b.ctl.LocalStream().Video)

	a := newPeer(t, shared)
	require.NoError(t, a.ctl.Start(ctx, sid, "patient-1", domain.RolePatient))
	require.Eventually(t, func() bool { return b.pc() != nil && b.pc().Local() != nil }, waitFor, poll)

	synth := b.devices.Synthetics()
	require.Len(t, synth, 1)
	assert.Same(t, synth[0], b.pc().Senders()[1].Track())
}

// blockingLoader returns a loader that ignores its context and holds until
// release is closed. loading is closed when the load begins.
func blockingLoader(d core.Detector) (load core.DetectorLoader, loading, release chan struct{}) {
	loading = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	load = func(context.Context) (core.Detector, error) {
		once.Do(func() { close(loading) })
		<-release
		return d, nil
	}
	return load, loading, release
}

func TestEndCall_DoesNotWaitForDetectorLoad(t *testing.T) {
	ctx := context.Background()
	p := newPeer(t, store.NewMemory(time.Minute))
	load, loading, release := blockingLoader(p.detector)
	p.ctl.engine = redact.NewEngine(load, redact.Options{}, zerolog.Nop())
	require.NoError(t, p.ctl.Start(ctx, sid, "patient-1", domain.RolePatient))

	toggled := make(chan error, 1)
	go func() {
		_, err := p.ctl.ToggleBlur(ctx)
		toggled <- err
	}()
	<-loading

	start := time.Now()
	require.NoError(t, p.ctl.EndCall(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, closed(p.ctl.Done()))

	close(release)
	assert.ErrorIs(t, <-toggled, ErrCallEnded)
	assert.True(t, p.detector.Closed(), "detector loaded after teardown is released")
	assert.False(t, p.ctl.IsBlurOn())
}

func TestNegotiationProceedsDuringDetectorLoad(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory(time.Minute)
	a := newPeer(t, shared)
	load, loading, release := blockingLoader(a.detector)
	a.ctl.engine = redact.NewEngine(load, redact.Options{FrameInterval: poll}, zerolog.Nop())
	require.NoError(t, a.ctl.Start(ctx, sid, "patient-1", domain.RolePatient))

	toggled := make(chan error, 1)
	go func() {
		_, err := a.ctl.ToggleBlur(ctx)
		toggled <- err
	}()
	<-loading

	b := newPeer(t, shared)
	require.NoError(t, b.ctl.Start(ctx, sid, "doc-1", domain.RoleProvider))
	require.Eventually(t, func() bool {
		return a.pc() != nil && a.pc().Remote() != nil
	}, waitFor, poll)
	assert.Equal(t, sid, a.ctl.Session())

	close(release)
	require.NoError(t, <-toggled)
	assert.True(t, a.ctl.IsBlurOn())
	synth := a.devices.Synthetics()
	require.Len(t, synth, 1)
	assert.Same(t, synth[0], a.pc().Senders()[1].Track())
}

func TestEndCall_TeardownCompleteness(t *testing.T) {
	ctx := context.Background()
	a, _, _ := negotiate(t)
	a.devices.Video.Source.Put(image.NewRGBA(image.Rect(0, 0, 8, 8)), time.Millisecond)
	_, err := a.ctl.ToggleBlur(ctx)
	require.NoError(t, err)
	synth := a.devices.Synthetics()[0]
	require.Eventually(t, func() bool { return a.ctl.RedactionStats().Frames > 0 }, waitFor, poll)

	require.NoError(t, a.ctl.EndCall(ctx))
	require.NoError(t, a.ctl.EndCall(ctx))

	assert.True(t, closed(a.ctl.Done()))
	assert.True(t, a.devices.Audio.Stopped())
	assert.True(t, a.devices.Video.Stopped())
	assert.True(t, synth.Stopped())
	assert.False(t, a.ctl.IsBlurOn())
	require.Eventually(t, func() bool { return a.pc().Closed() }, waitFor, poll)

	frames := a.ctl.RedactionStats().Frames
	calls := a.detector.Calls()
	a.devices.Video.Source.Put(image.NewRGBA(image.Rect(0, 0, 8, 8)), 2*time.Millisecond)
	time.Sleep(10 * poll)
	assert.Equal(t, frames, a.ctl.RedactionStats().Frames)
	assert.Equal(t, calls, a.detector.Calls())

	assert.Equal(t, []domain.SessionStatus{domain.StatusEnded}, a.ch.StatusWrites())
	assert.NoError(t, a.ctl.Err())

	_, err = a.ctl.ToggleBlur(ctx)
	assert.ErrorIs(t, err, ErrCallEnded)
}

func TestEndCall_WriteFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	a, b, _ := negotiate(t)
	a.ch.FailStatus(true)

	require.NoError(t, a.ctl.EndCall(ctx))
	assert.True(t, closed(a.ctl.Done()))
	assert.Len(t, a.ch.StatusWrites(), 1)
	assert.True(t, a.devices.Video.Stopped())
	assert.False(t, closed(b.ctl.Done()), "remote never saw ended")
}

func TestRemoteEndedTearsDown(t *testing.T) {
	ctx := context.Background()
	a, b, shared := negotiate(t)

	require.NoError(t, b.ctl.EndCall(ctx))

	select {
	case <-a.ctl.Done():
	case <-time.After(waitFor):
		t.Fatal("remote end not observed")
	}
	assert.True(t, a.devices.Audio.Stopped())
	assert.True(t, a.devices.Video.Stopped())
	require.Eventually(t, func() bool { return a.pc().Closed() }, waitFor, poll)
	assert.Empty(t, a.ch.StatusWrites(), "remote end is not written back")
	assert.Len(t, b.ch.StatusWrites(), 1)

	s, err := shared.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, s.Status)
	require.Eventually(t, func() bool { return a.ctl.Stats().State == negotiation.StateEnded }, waitFor, poll)
}

func TestRoleConflictIsFatal(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory(time.Minute)
	first := newPeer(t, shared)
	second := newPeer(t, shared)

	require.NoError(t, first.ctl.Start(ctx, sid, "patient-1", domain.RolePatient))
	require.Eventually(t, func() bool {
		_, err := shared.Get(ctx, sid)
		return err == nil
	}, waitFor, poll)
	require.NoError(t, second.ctl.Start(ctx, sid, "patient-2", domain.RolePatient))

	select {
	case <-second.ctl.Done():
	case <-time.After(waitFor):
		t.Fatal("conflict did not end the call")
	}
	var ne *domain.NegotiationError
	require.ErrorAs(t, second.ctl.Err(), &ne)
	assert.ErrorIs(t, ne, domain.ErrRoleConflict)
	assert.Empty(t, second.ch.StatusWrites())
	assert.False(t, closed(first.ctl.Done()))
}

func TestRetrySignalAfterWriteFailure(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory(time.Minute)
	a := newPeer(t, shared)
	a.ch.FailOffers(1)

	require.NoError(t, a.ctl.Start(ctx, sid, "patient-1", domain.RolePatient))
	require.Eventually(t, func() bool { return len(a.seen()) == 1 }, waitFor, poll)

	var cwe *domain.ChannelWriteError
	require.ErrorAs(t, a.seen()[0], &cwe)
	assert.False(t, closed(a.ctl.Done()))

	require.NoError(t, a.ctl.RetrySignal(ctx))
	s, err := shared.Get(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, s.Offer)

	offers, _, _ := a.pc().Counts()
	assert.Equal(t, 1, offers)
	assert.ErrorIs(t, a.ctl.RetrySignal(ctx), domain.ErrNothingToRetry)
}

func TestNotStarted(t *testing.T) {
	p := newPeer(t, store.NewMemory(time.Minute))
	ctx := context.Background()
	assert.ErrorIs(t, p.ctl.EndCall(ctx), ErrNotStarted)
	assert.ErrorIs(t, p.ctl.RetrySignal(ctx), ErrNotStarted)
	_, err := p.ctl.ToggleBlur(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
}
