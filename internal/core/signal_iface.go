package core

import (
	"context"

	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/webrtc/v4"
)

// CancelFunc stops a subscription. Safe to call more than once.
type CancelFunc func()

// Channel is the shared signaling document of a call session plus its
// append-only candidate log. It is the only resource shared between peers.
type Channel interface {
	// WriteOffer fails with domain.ErrOfferExists when an offer is already stored.
	WriteOffer(ctx context.Context, sid domain.SessionID, from domain.UserID, offer webrtc.SessionDescription) error
	// WriteAnswer fails with domain.ErrAnswerExists or domain.ErrNoOffer.
	WriteAnswer(ctx context.Context, sid domain.SessionID, from domain.UserID, answer webrtc.SessionDescription) error
	AppendCandidate(ctx context.Context, sid domain.SessionID, c domain.Candidate) (domain.Candidate, error)
	SetStatus(ctx context.Context, sid domain.SessionID, status domain.SessionStatus) error
	Get(ctx context.Context, sid domain.SessionID) (domain.Session, error)

	// Subscribe delivers the current record before returning and again after
	// every change, in change order.
	Subscribe(ctx context.Context, sid domain.SessionID, fn func(domain.Session)) (CancelFunc, error)
	// SubscribeCandidates delivers every candidate exactly once in append order,
	// backlog included.
	SubscribeCandidates(ctx context.Context, sid domain.SessionID, fn func(domain.Candidate)) (CancelFunc, error)
}
