package negotiation

import "github.com/pion/webrtc/v4"

type State int

const (
	StateIdle State = iota
	StateAwaitingLocalMedia
	StateOffering
	StateAnswering
	StateHaveLocalDescription
	StateHaveRemoteDescription
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingLocalMedia:
		return "awaiting-local-media"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateHaveLocalDescription:
		return "have-local-description"
	case StateHaveRemoteDescription:
		return "have-remote-description"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// flags record which write-producing steps this peer already performed.
// They are the only source of truth for idempotence; channel state is never
// used to decide whether to repeat a step.
type flags struct {
	localCreated  bool // offer or answer created and set as local description
	localWritten  bool // that description reached the channel
	remoteApplied bool // remote description set on the connection
}

// Stats is a point-in-time view of the machine.
type Stats struct {
	State               State
	Role                string
	LocalCreated        bool
	LocalWritten        bool
	RemoteApplied       bool
	CandidatesApplied   int
	CandidatesQueued    int
	CandidatesSkipped   int
	CandidatesFailed    int
	CandidatesPublished int64
	StaleUpdates        int
	ConnectionState     webrtc.PeerConnectionState
}
