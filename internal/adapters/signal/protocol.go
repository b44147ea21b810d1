package signal

import (
	"errors"
	"fmt"

	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Request types sent by clients.
const (
	typeWriteOffer          = "write_offer"
	typeWriteAnswer         = "write_answer"
	typeAppendCandidate     = "append_candidate"
	typeSetStatus           = "set_status"
	typeGet                 = "get"
	typeSubscribe           = "subscribe"
	typeSubscribeCandidates = "subscribe_candidates"
	typeUnsubscribe         = "unsubscribe"
	typePing                = "ping"
)

// Frames sent by the server.
const (
	typeAck       = "ack"
	typeError     = "error"
	typeSession   = "session"
	typeCandidate = "candidate"
	typePong      = "pong"
)

// message is the single JSON frame shape used in both directions.
// Requests carry ID; acks and errors echo it. Events carry Sub, the ID of
// the subscribe request that opened the subscription.
type message struct {
	Type      string                     `json:"type"`
	ID        string                     `json:"id,omitempty"`
	Session   domain.SessionID           `json:"session,omitempty"`
	From      domain.UserID              `json:"from,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Status    domain.SessionStatus       `json:"status,omitempty"`
	Candidate *domain.Candidate          `json:"candidate,omitempty"`
	Record    *domain.Session            `json:"record,omitempty"`
	Sub       string                     `json:"sub,omitempty"`
	Error     string                     `json:"error,omitempty"`
	Message   string                     `json:"message,omitempty"`
}

// Error codes on the wire.
const (
	codeBadPayload      = "bad_payload"
	codeUnknownType     = "unknown_type"
	codeRateLimited     = "rate_limited"
	codeDuplicateSub    = "duplicate_subscription"
	codeInternal        = "internal"
	codeSessionNotFound = "session_not_found"
	codeSessionEnded    = "session_ended"
	codeOfferExists     = "offer_exists"
	codeAnswerExists    = "answer_exists"
	codeNoOffer         = "no_offer"
	codeInvalidStatus   = "invalid_status"
	codeInvalidID       = "invalid_id"
)

var (
	ErrRateLimited = errors.New("signal: rate limited")
	ErrBadRequest  = errors.New("signal: bad request")
	ErrRemote      = errors.New("signal: relay error")
)

var codes = []struct {
	code string
	err  error
}{
	{codeSessionNotFound, domain.ErrSessionNotFound},
	{codeSessionEnded, domain.ErrSessionEnded},
	{codeOfferExists, domain.ErrOfferExists},
	{codeAnswerExists, domain.ErrAnswerExists},
	{codeNoOffer, domain.ErrNoOffer},
	{codeInvalidStatus, domain.ErrInvalidStatus},
	{codeRateLimited, ErrRateLimited},
}

func errorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if errors.Is(err, domain.ErrSessionIDEmpty) || errors.Is(err, domain.ErrSessionIDTooLong) ||
		errors.Is(err, domain.ErrUserIDEmpty) || errors.Is(err, domain.ErrUserIDTooLong) {
		return codeInvalidID
	}
	return codeInternal
}

// remoteError rebuilds an error the client can match with errors.Is.
func remoteError(code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	switch code {
	case codeBadPayload, codeUnknownType, codeDuplicateSub, codeInvalidID:
		return fmt.Errorf("%w: %s: %s", ErrBadRequest, code, msg)
	}
	return fmt.Errorf("%w: %s: %s", ErrRemote, code, msg)
}
