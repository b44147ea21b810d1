package core

import (
	"context"
	"image"
	"time"

	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/webrtc/v4"
)

// LocalTrack is an outgoing audio or video track owned by one peer.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	// SetEnabled gates the signal without detaching the track.
	SetEnabled(bool)
	Enabled() bool
	Stop()
	Stopped() bool
}

// FrameProvider is implemented by video tracks whose decoded frames can be pulled.
type FrameProvider interface {
	Frames() (FrameSource, error)
}

// FrameSource exposes the most recent decoded frame of a video track.
// ts grows monotonically; the same ts means the same frame.
type FrameSource interface {
	Latest() (img image.Image, ts time.Duration, ok bool)
	Close() error
}

// FrameReader is a pull based video reader, the drawable side of a synthetic track.
type FrameReader interface {
	Read() (img image.Image, release func(), err error)
	Close() error
}

// TrackSet is the raw local media. Audio or Video may be nil when the device is missing.
type TrackSet struct {
	Audio LocalTrack
	Video LocalTrack
}

func (ts TrackSet) All() []LocalTrack {
	out := make([]LocalTrack, 0, 2)
	if ts.Audio != nil {
		out = append(out, ts.Audio)
	}
	if ts.Video != nil {
		out = append(out, ts.Video)
	}
	return out
}

// MediaDevices acquires local media and builds synthetic tracks.
type MediaDevices interface {
	// GetUserMedia fails with an error wrapping domain.ErrMediaAccessDenied or domain.ErrNoDevice.
	GetUserMedia(ctx context.Context) (TrackSet, error)
	NewSyntheticVideoTrack(id string, src FrameReader) (LocalTrack, error)
}

// Sender is the transmitting side of one attached track.
type Sender interface {
	Track() LocalTrack
	// ReplaceTrack swaps the transmitted track without renegotiation.
	ReplaceTrack(LocalTrack) error
}

// RemoteTrack is an incoming track from the other peer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerConnection is the negotiation surface used by the call core.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, sd webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, sd webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(LocalTrack) (Sender, error)
	// OnICECandidate fires for every locally gathered candidate.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(RemoteTrack))
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// PeerConnectionFactory builds one connection per call session.
type PeerConnectionFactory interface {
	NewPeerConnection(ctx context.Context, sid domain.SessionID) (PeerConnection, error)
}

// Landmarks is one detected face as points normalised to [0,1] of the frame size.
type Landmarks []Point

type Point struct {
	X, Y float64
}

// Detector finds face landmarks on a frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image, ts time.Duration) ([]Landmarks, error)
	Close() error
}

// DetectorLoader builds a detector. It may fetch a remote model asset.
type DetectorLoader func(ctx context.Context) (Detector, error)
