// Package media owns the local tracks of one call and their attachment to the
// peer connection.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/rs/zerolog"
)

var (
	ErrNotAcquired   = errors.New("local media not acquired")
	ErrNoVideoSender = errors.New("no video sender attached")
	ErrStopped       = errors.New("media pipeline stopped")
)

type Pipeline struct {
	devices core.MediaDevices
	log     zerolog.Logger

	mu       sync.Mutex
	raw      core.TrackSet
	acquired bool
	stopped  bool

	attached    map[core.PeerConnection]struct{}
	videoSender core.Sender
	outVideo    core.LocalTrack

	muted    bool
	videoOff bool
}

func NewPipeline(devices core.MediaDevices, lg zerolog.Logger) *Pipeline {
	return &Pipeline{
		devices:  devices,
		log:      lg.With().Str("module", "media").Logger(),
		attached: make(map[core.PeerConnection]struct{}),
	}
}

// AcquireLocalMedia opens camera and microphone once. Failures come back as
// *domain.MediaAccessError and are not retried here.
func (p *Pipeline) AcquireLocalMedia(ctx context.Context) (core.TrackSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return core.TrackSet{}, ErrStopped
	}
	if p.acquired {
		return p.raw, nil
	}

	tracks, err := p.devices.GetUserMedia(ctx)
	if err != nil {
		var mae *domain.MediaAccessError
		if !errors.As(err, &mae) {
			err = &domain.MediaAccessError{Err: err}
		}
		p.log.Error().Err(err).Msg("acquire local media")
		return core.TrackSet{}, err
	}
	if len(tracks.All()) == 0 {
		return core.TrackSet{}, &domain.MediaAccessError{Err: domain.ErrNoDevice}
	}
	p.raw = tracks
	p.acquired = true
	p.outVideo = tracks.Video
	p.log.Info().
		Bool("audio", tracks.Audio != nil).
		Bool("video", tracks.Video != nil).
		Msg("local media acquired")
	return tracks, nil
}

// AttachTracks adds every raw track to pc. Repeated calls for the same
// connection are no-ops.
func (p *Pipeline) AttachTracks(pc core.PeerConnection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.acquired {
		return ErrNotAcquired
	}
	if _, ok := p.attached[pc]; ok {
		return nil
	}
	for _, t := range p.raw.All() {
		sender, err := pc.AddTrack(t)
		if err != nil {
			return err
		}
		if t == p.raw.Video {
			p.videoSender = sender
		}
	}
	p.attached[pc] = struct{}{}
	return nil
}

// ReplaceVideoTrack hot-swaps the transmitted video without renegotiation.
// The new track inherits the current video-off state. Without a video sender
// the track is still recorded as transmitted and ErrNoVideoSender is returned.
func (p *Pipeline) ReplaceVideoTrack(t core.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t != nil {
		t.SetEnabled(!p.videoOff)
	}
	if p.videoSender == nil {
		p.outVideo = t
		return ErrNoVideoSender
	}
	if err := p.videoSender.ReplaceTrack(t); err != nil {
		return err
	}
	p.outVideo = t
	return nil
}

// ToggleMute flips the microphone in place and returns the new muted state.
func (p *Pipeline) ToggleMute() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = !p.muted
	if p.raw.Audio != nil {
		p.raw.Audio.SetEnabled(!p.muted)
	}
	return p.muted
}

// ToggleVideoOff flips the camera in place and returns the new video-off state.
func (p *Pipeline) ToggleVideoOff() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoOff = !p.videoOff
	if p.raw.Video != nil {
		p.raw.Video.SetEnabled(!p.videoOff)
	}
	if p.outVideo != nil && p.outVideo != p.raw.Video {
		p.outVideo.SetEnabled(!p.videoOff)
	}
	return p.videoOff
}

func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

func (p *Pipeline) VideoOff() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.videoOff
}

func (p *Pipeline) Raw() core.TrackSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raw
}

// Transmitted returns the video track currently on the wire.
func (p *Pipeline) Transmitted() core.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outVideo
}

// Stop ends every raw track. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	for _, t := range p.raw.All() {
		if !t.Stopped() {
			t.Stop()
		}
	}
	p.videoSender = nil
	p.attached = make(map[core.PeerConnection]struct{})
	p.log.Debug().Msg("raw tracks stopped")
}
