package rtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dkeye/televisit/internal/core"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// FeedbackStats counts RTCP feedback received for one sender.
type FeedbackStats struct {
	PictureLoss  int64
	NACKs        int64
	Reports      int64
	FractionLost uint8
}

// Sender is the transmitting side of one attached track.
type Sender struct {
	rs  *webrtc.RTPSender
	log zerolog.Logger

	mu    sync.Mutex
	track core.LocalTrack

	pli, nack, reports atomic.Int64
	fractionLost       atomic.Uint32
}

var _ core.Sender = (*Sender)(nil)

func newSender(rs *webrtc.RTPSender, t core.LocalTrack, lg zerolog.Logger) *Sender {
	return &Sender{
		rs:    rs,
		track: t,
		log:   lg.With().Str("track_id", t.ID()).Str("kind", t.Kind().String()).Logger(),
	}
}

func (s *Sender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t core.LocalTrack) error {
	tl, err := trackLocal(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rs.ReplaceTrack(tl); err != nil {
		return err
	}
	s.log.Info().Str("new_track_id", t.ID()).Msg("track replaced")
	s.track = t
	return nil
}

// readRTCP drains feedback until the sender is stopped. Interceptors such as
// NACK responders only run while RTCP is read.
func (s *Sender) readRTCP() {
	for {
		pkts, _, err := s.rs.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.log.Debug().Err(err).Msg("rtcp read stopped")
			}
			return
		}
		s.count(pkts)
	}
}

func (s *Sender) count(pkts []rtcp.Packet) {
	for _, p := range pkts {
		switch p := p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			s.pli.Add(1)
		case *rtcp.TransportLayerNack:
			s.nack.Add(1)
		case *rtcp.ReceiverReport:
			s.reports.Add(1)
			for _, r := range p.Reports {
				s.fractionLost.Store(uint32(r.FractionLost))
			}
		}
	}
}

func (s *Sender) Feedback() FeedbackStats {
	return FeedbackStats{
		PictureLoss:  s.pli.Load(),
		NACKs:        s.nack.Load(),
		Reports:      s.reports.Load(),
		FractionLost: uint8(s.fractionLost.Load()),
	}
}
