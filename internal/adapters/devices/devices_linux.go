//go:build linux

package devices

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Devices captures through V4L2 and malgo and encodes VP8 and Opus.
type Devices struct {
	opts     Options
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
}

var _ core.MediaDevices = (*Devices)(nil)

func New(opts Options, lg zerolog.Logger) (*Devices, error) {
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Devices{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: lg.With().Str("module", "devices").Logger(),
	}, nil
}

// RegisterCodecs registers exactly the codecs the encoders produce.
func (d *Devices) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

// GetUserMedia opens camera and microphone together, falling back to either
// one alone so a busy microphone does not block the camera.
func (d *Devices) GetUserMedia(ctx context.Context) (core.TrackSet, error) {
	if err := ctx.Err(); err != nil {
		return core.TrackSet{}, err
	}

	infos := mediadevices.EnumerateDevices()
	if len(infos) == 0 {
		return core.TrackSet{}, domain.ErrNoDevice
	}
	for _, info := range infos {
		d.log.Debug().Str("label", info.Label).Str("device_id", info.DeviceID).Msg("media device")
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: d.opts.Width}
				c.Height = prop.IntRanged{Max: d.opts.Height}
				c.FrameRate = prop.Float(d.opts.FrameRate)
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			d.log.Warn().Err(err).Str("attempt", a.label).Msg("GetUserMedia failed")
			lastErr = err
			continue
		}

		var set core.TrackSet
		for _, t := range stream.GetAudioTracks() {
			set.Audio = d.wrapAudio(t)
			break
		}
		for _, t := range stream.GetVideoTracks() {
			set.Video = d.wrapVideo(t)
			break
		}
		d.log.Info().Str("attempt", a.label).Int("tracks", len(set.All())).Msg("local media captured")
		return set, nil
	}
	return core.TrackSet{}, classify(lastErr)
}

// NewSyntheticVideoTrack encodes whatever src draws as a camera-like track.
func (d *Devices) NewSyntheticVideoTrack(id string, src core.FrameReader) (core.LocalTrack, error) {
	if src == nil {
		return nil, errors.New("devices: nil frame reader")
	}
	mt := mediadevices.NewVideoTrack(&surfaceSource{id: id, FrameReader: src}, d.selector)
	return d.wrapVideo(mt), nil
}

func (d *Devices) wrapAudio(mt mediadevices.Track) *track {
	t := newTrack(mt)
	if at, ok := mt.(*mediadevices.AudioTrack); ok {
		at.Transform(gateAudio(&t.enabled))
	}
	t.onEnded(d.log)
	return t
}

func (d *Devices) wrapVideo(mt mediadevices.Track) *videoTrack {
	t := &videoTrack{track: newTrack(mt)}
	if vt, ok := mt.(*mediadevices.VideoTrack); ok {
		vt.Transform(gateVideo(&t.enabled))
		t.video = vt
	}
	t.onEnded(d.log)
	return t
}

// surfaceSource adapts a frame reader into a mediadevices video source.
type surfaceSource struct {
	id string
	core.FrameReader
}

func (s *surfaceSource) ID() string { return s.id }

type track struct {
	mt       mediadevices.Track
	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
}

func newTrack(mt mediadevices.Track) *track {
	t := &track{mt: mt}
	t.enabled.Store(true)
	return t
}

func (t *track) onEnded(lg zerolog.Logger) {
	id := t.mt.ID()
	t.mt.OnEnded(func(err error) {
		if err != nil {
			lg.Warn().Err(err).Str("track_id", id).Msg("local track ended")
		}
	})
}

func (t *track) ID() string                    { return t.mt.ID() }
func (t *track) Kind() webrtc.RTPCodecType     { return t.mt.Kind() }
func (t *track) TrackLocal() webrtc.TrackLocal { return t.mt }
func (t *track) SetEnabled(v bool)             { t.enabled.Store(v) }
func (t *track) Enabled() bool                 { return t.enabled.Load() }
func (t *track) Stopped() bool                 { return t.stopped.Load() }

// Stop releases the capture device. Later calls are no-ops.
func (t *track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		_ = t.mt.Close()
	})
}

type videoTrack struct {
	*track
	video *mediadevices.VideoTrack
}

var _ core.FrameProvider = (*videoTrack)(nil)

// Frames opens an independent decoded reader next to the encoder.
func (t *videoTrack) Frames() (core.FrameSource, error) {
	if t.video == nil {
		return nil, errors.New("devices: track has no decoded frames")
	}
	if t.Stopped() {
		return nil, errors.New("devices: track stopped")
	}
	r := t.video.NewReader(true)
	return newFrameBuffer(r.Read), nil
}

func gateVideo(enabled *atomic.Bool) video.TransformFunc {
	return func(r video.Reader) video.Reader {
		return video.ReaderFunc(func() (image.Image, func(), error) {
			img, release, err := r.Read()
			if err != nil || enabled.Load() {
				return img, release, err
			}
			b := img.Bounds()
			if release != nil {
				release()
			}
			return blackFrame(b), func() {}, nil
		})
	}
}

func gateAudio(enabled *atomic.Bool) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil || enabled.Load() {
				return chunk, release, err
			}
			info := chunk.ChunkInfo()
			if release != nil {
				release()
			}
			return wave.NewInt16Interleaved(info), func() {}, nil
		})
	}
}
