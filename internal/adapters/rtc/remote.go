package rtc

import (
	"context"
	"errors"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/televisit/internal/core"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const keyframeInterval = 3 * time.Second

// RTPSink receives forwarded packets. *webrtc.TrackLocalStaticRTP is one.
type RTPSink interface {
	WriteRTP(*rtp.Packet) error
}

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStatePaused
	SinkStateDelete
)

type sink struct {
	w     RTPSink
	state atomic.Int32
}

func (s *sink) get() SinkState   { return SinkState(s.state.Load()) }
func (s *sink) set(st SinkState) { s.state.Store(int32(st)) }

type RemoteStats struct {
	Packets  int64
	Bytes    int64
	LastSeq  uint16
	Received bool
}

// RemoteTrack reads an incoming track and fans its RTP out to sinks. Reading
// keeps the receive interceptors running even when nothing is attached.
type RemoteTrack struct {
	src *webrtc.TrackRemote
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	sinks map[string]*sink

	packets, bytes atomic.Int64
	lastSeq        atomic.Uint32
	received       atomic.Bool
}

var _ core.RemoteTrack = (*RemoteTrack)(nil)

func newRemoteTrack(src *webrtc.TrackRemote, pc *webrtc.PeerConnection, lg zerolog.Logger) *RemoteTrack {
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteTrack{
		src:    src,
		pc:     pc,
		log:    lg.With().Str("module", "relay").Str("track_id", src.ID()).Logger(),
		ctx:    ctx,
		cancel: cancel,
		sinks:  make(map[string]*sink),
	}
}

func (r *RemoteTrack) ID() string                       { return r.src.ID() }
func (r *RemoteTrack) StreamID() string                 { return r.src.StreamID() }
func (r *RemoteTrack) Kind() webrtc.RTPCodecType        { return r.src.Kind() }
func (r *RemoteTrack) Codec() webrtc.RTPCodecParameters { return r.src.Codec() }

// AddSink attaches w under id, replacing any sink with the same id.
func (r *RemoteTrack) AddSink(id string, w RTPSink) {
	s := &sink{w: w}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sinks[id]; ok {
		old.set(SinkStateDelete)
	}
	r.sinks[id] = s
}

func (r *RemoteTrack) PauseSink(id string, paused bool) {
	r.mu.RLock()
	s, ok := r.sinks[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if paused {
		s.set(SinkStatePaused)
	} else {
		s.set(SinkStateOk)
	}
}

func (r *RemoteTrack) RemoveSink(id string) {
	r.mu.RLock()
	s, ok := r.sinks[id]
	r.mu.RUnlock()
	if ok {
		s.set(SinkStateDelete)
	}
}

func (r *RemoteTrack) Stats() RemoteStats {
	return RemoteStats{
		Packets:  r.packets.Load(),
		Bytes:    r.bytes.Load(),
		LastSeq:  uint16(r.lastSeq.Load()),
		Received: r.received.Load(),
	}
}

func (r *RemoteTrack) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Error().Err(err).Msg("read RTP error, stopping")
			}
			r.markAllDelete()
			return
		}
		r.forward(pkt)
	}
}

func (r *RemoteTrack) forward(pkt *rtp.Packet) {
	r.packets.Add(1)
	r.bytes.Add(int64(len(pkt.Payload)))
	r.lastSeq.Store(uint32(pkt.SequenceNumber))
	r.received.Store(true)

	r.mu.RLock()
	snapshot := maps.Clone(r.sinks)
	r.mu.RUnlock()

	var dirty []string
	for id, s := range snapshot {
		switch s.get() {
		case SinkStateDelete:
			dirty = append(dirty, id)
		case SinkStatePaused:
		case SinkStateOk:
			if err := s.w.WriteRTP(pkt); err != nil {
				r.log.Error().Err(err).Str("sink", id).Msg("write RTP error, dropping sink")
				s.set(SinkStateDelete)
				dirty = append(dirty, id)
			}
		}
	}
	if len(dirty) > 0 {
		r.cleanup(snapshot, dirty)
	}
}

// cleanup removes sinks marked for deletion unless they were replaced meanwhile.
func (r *RemoteTrack) cleanup(seen map[string]*sink, dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if r.sinks[id] == seen[id] {
			delete(r.sinks, id)
		}
	}
}

func (r *RemoteTrack) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sinks {
		s.set(SinkStateDelete)
	}
}

// requestKeyframes sends a PLI periodically so late sinks get a decodable frame.
func (r *RemoteTrack) requestKeyframes(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			err := r.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(r.src.SSRC())},
			})
			if err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				r.log.Debug().Err(err).Msg("PLI write failed")
			}
		}
	}
}

func (r *RemoteTrack) stop() { r.cancel() }
