package domain

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type SessionID string

func (id SessionID) Validate() error {
	if len(id) == 0 {
		return ErrSessionIDEmpty
	}
	if len(id) > MaxSessionIDLen {
		return ErrSessionIDTooLong
	}
	return nil
}

type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusActive  SessionStatus = "active"
	StatusEnded   SessionStatus = "ended"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusEnded:
		return true
	}
	return false
}

// Session is the shared call record. Offer and Answer are write-once.
type Session struct {
	ID         SessionID                  `json:"id"`
	Status     SessionStatus              `json:"status"`
	Offer      *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer     *webrtc.SessionDescription `json:"answer,omitempty"`
	PatientID  UserID                     `json:"patientId,omitempty"`
	ProviderID UserID                     `json:"providerId,omitempty"`
	CreatedAt  time.Time                  `json:"createdAt"`
	UpdatedAt  time.Time                  `json:"updatedAt"`
}

// PendingSession is what subscribers see before anyone wrote an offer.
func PendingSession(id SessionID) Session {
	return Session{ID: id, Status: StatusPending}
}

func (s Session) Ended() bool { return s.Status == StatusEnded }

// Clone returns a deep copy so snapshots handed to subscribers never alias store state.
func (s Session) Clone() Session {
	out := s
	if s.Offer != nil {
		o := *s.Offer
		out.Offer = &o
	}
	if s.Answer != nil {
		a := *s.Answer
		out.Answer = &a
	}
	return out
}

// Candidate is one entry of the per-session append-only candidate log.
type Candidate struct {
	ID        string                  `json:"id"`
	Seq       int64                   `json:"seq"`
	SenderID  UserID                  `json:"senderId"`
	Init      webrtc.ICECandidateInit `json:"candidate"`
	CreatedAt time.Time               `json:"createdAt"`
}
