// Package negotiation drives one peer through offer/answer and candidate
// exchange over a core.Channel.
package negotiation

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConnProvider returns the peer connection with local tracks attached.
// It is called at most once per machine.
type ConnProvider func(ctx context.Context) (core.PeerConnection, error)

type Config struct {
	Session domain.SessionID
	Self    domain.Participant
	Channel core.Channel
	Connect ConnProvider
	Log     *zerolog.Logger
}

// stepFunc advances the machine for one record delivery.
type stepFunc func(m *Machine, ctx context.Context, s domain.Session) error

var roleSteps = map[domain.Role]stepFunc{
	domain.RolePatient:  (*Machine).offerStep,
	domain.RoleProvider: (*Machine).answerStep,
}

// Machine is owned by a single goroutine. Only the local candidate callback,
// which pion invokes on its own goroutines, touches shared state, and it
// sticks to atomics.
type Machine struct {
	sid     domain.SessionID
	self    domain.Participant
	ch      core.Channel
	connect ConnProvider
	step    stepFunc
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state State
	flags flags
	pc    core.PeerConnection
	local webrtc.SessionDescription

	seen    map[string]struct{}
	pending []domain.Candidate

	applied, skipped, failed, stale int
	published                       atomic.Int64
	ended                           atomic.Bool
	connState                       webrtc.PeerConnectionState
}

func New(ctx context.Context, cfg Config) (*Machine, error) {
	step, ok := roleSteps[cfg.Self.Role]
	if !ok {
		return nil, domain.ErrUnknownRole
	}
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Self.ID.Validate(); err != nil {
		return nil, err
	}
	lg := log.Logger
	if cfg.Log != nil {
		lg = *cfg.Log
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Machine{
		sid:     cfg.Session,
		self:    cfg.Self,
		ch:      cfg.Channel,
		connect: cfg.Connect,
		step:    step,
		log: lg.With().
			Str("module", "negotiation").
			Str("session", string(cfg.Session)).
			Str("role", cfg.Self.Role.String()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]struct{}),
	}, nil
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Conn() core.PeerConnection { return m.pc }

func (m *Machine) Ended() bool { return m.state == StateEnded }

func (m *Machine) LocalDescription() *webrtc.SessionDescription {
	if !m.flags.localCreated {
		return nil
	}
	sd := m.local
	return &sd
}

func (m *Machine) Stats() Stats {
	return Stats{
		State:               m.state,
		Role:                m.self.Role.String(),
		LocalCreated:        m.flags.localCreated,
		LocalWritten:        m.flags.localWritten,
		RemoteApplied:       m.flags.remoteApplied,
		CandidatesApplied:   m.applied,
		CandidatesQueued:    len(m.pending),
		CandidatesSkipped:   m.skipped,
		CandidatesFailed:    m.failed,
		CandidatesPublished: m.published.Load(),
		StaleUpdates:        m.stale,
		ConnectionState:     m.connState,
	}
}

// HandleSession processes one delivery of the shared record. Deliveries may
// repeat; a step that already ran is never repeated.
func (m *Machine) HandleSession(ctx context.Context, s domain.Session) error {
	if m.state == StateEnded {
		return nil
	}
	if s.Ended() {
		m.log.Info().Str("state", m.state.String()).Msg("session ended remotely")
		m.End()
		return nil
	}
	return m.step(m, ctx, s)
}

// offerStep is the patient side: create and write the offer once, then apply
// the answer once.
func (m *Machine) offerStep(ctx context.Context, s domain.Session) error {
	if !m.flags.localCreated {
		if s.Offer != nil {
			return m.foreignDescription("offer", s.PatientID)
		}
		if err := m.obtainConnection(ctx, StateOffering); err != nil {
			return err
		}
		offer, err := m.pc.CreateOffer(ctx)
		if err != nil {
			return &domain.NegotiationError{Step: "create-offer", Err: err}
		}
		if err := m.pc.SetLocalDescription(ctx, offer); err != nil {
			return &domain.NegotiationError{Step: "set-local-offer", Err: err}
		}
		m.local = offer
		m.flags.localCreated = true
		m.setState(StateHaveLocalDescription)
		return m.writeLocal(ctx)
	}

	if !m.flags.localWritten && s.Offer != nil {
		if s.PatientID != m.self.ID {
			return m.foreignDescription("offer", s.PatientID)
		}
		m.flags.localWritten = true
	}

	if s.Answer == nil {
		return nil
	}
	if m.flags.remoteApplied {
		m.absorb("apply-answer")
		return nil
	}
	if s.ProviderID == m.self.ID {
		return &domain.NegotiationError{Step: "apply-answer", Err: domain.ErrRoleConflict}
	}
	if err := m.pc.SetRemoteDescription(ctx, *s.Answer); err != nil {
		return &domain.NegotiationError{Step: "apply-answer", Err: err}
	}
	m.flags.remoteApplied = true
	m.flags.localWritten = true
	m.setState(StateHaveRemoteDescription)
	m.drainPending()
	return nil
}

// answerStep is the provider side: wait for an offer, apply it, then create
// and write the answer, all once.
func (m *Machine) answerStep(ctx context.Context, s domain.Session) error {
	if m.flags.localCreated {
		if !m.flags.localWritten && s.Answer != nil {
			if s.ProviderID != m.self.ID {
				return m.foreignDescription("answer", s.ProviderID)
			}
			m.flags.localWritten = true
			return nil
		}
		m.absorb("answer")
		return nil
	}
	if s.Offer == nil {
		return nil
	}
	if s.PatientID == m.self.ID {
		return &domain.NegotiationError{Step: "apply-offer", Err: domain.ErrRoleConflict}
	}
	if s.Answer != nil {
		return m.foreignDescription("answer", s.ProviderID)
	}

	if !m.flags.remoteApplied {
		if err := m.obtainConnection(ctx, StateAnswering); err != nil {
			return err
		}
		if err := m.pc.SetRemoteDescription(ctx, *s.Offer); err != nil {
			return &domain.NegotiationError{Step: "apply-offer", Err: err}
		}
		m.flags.remoteApplied = true
		m.drainPending()
	}

	answer, err := m.pc.CreateAnswer(ctx)
	if err != nil {
		return &domain.NegotiationError{Step: "create-answer", Err: err}
	}
	if err := m.pc.SetLocalDescription(ctx, answer); err != nil {
		return &domain.NegotiationError{Step: "set-local-answer", Err: err}
	}
	m.local = answer
	m.flags.localCreated = true
	m.setState(StateHaveLocalDescription)
	return m.writeLocal(ctx)
}

func (m *Machine) obtainConnection(ctx context.Context, next State) error {
	if m.pc == nil {
		m.setState(StateAwaitingLocalMedia)
		if m.connect == nil {
			return &domain.NegotiationError{Step: "connect", Err: domain.ErrNoConnection}
		}
		pc, err := m.connect(ctx)
		if err != nil {
			var mae *domain.MediaAccessError
			if errors.As(err, &mae) {
				return err
			}
			return &domain.NegotiationError{Step: "connect", Err: err}
		}
		if pc == nil {
			return &domain.NegotiationError{Step: "connect", Err: domain.ErrNoConnection}
		}
		m.pc = pc
		pc.OnICECandidate(m.publishCandidate)
	}
	m.setState(next)
	return nil
}

// foreignDescription is reached when the record holds a description this peer
// did not produce in its own slot.
func (m *Machine) foreignDescription(field string, author domain.UserID) error {
	err := domain.ErrRoleConflict
	if author == m.self.ID {
		// Left over from an earlier run of this same participant.
		if field == "offer" {
			err = domain.ErrOfferExists
		} else {
			err = domain.ErrAnswerExists
		}
	}
	return &domain.NegotiationError{Step: field, Err: err}
}

func (m *Machine) writeLocal(ctx context.Context) error {
	var err error
	field := "offer"
	if m.self.Role.Offers() {
		err = m.ch.WriteOffer(ctx, m.sid, m.self.ID, m.local)
	} else {
		field = "answer"
		err = m.ch.WriteAnswer(ctx, m.sid, m.self.ID, m.local)
	}
	switch {
	case err == nil:
		m.flags.localWritten = true
		m.log.Info().Str("field", field).Msg("local description written")
		return nil
	case errors.Is(err, domain.ErrOfferExists), errors.Is(err, domain.ErrAnswerExists):
		// A previous attempt may have landed even though it reported failure.
		return m.confirmWritten(ctx, field, err)
	case errors.Is(err, domain.ErrSessionEnded):
		m.End()
		return nil
	}
	m.log.Warn().Err(err).Str("field", field).Msg("local description write failed")
	return &domain.ChannelWriteError{Field: field, Err: err}
}

func (m *Machine) confirmWritten(ctx context.Context, field string, cause error) error {
	s, err := m.ch.Get(ctx, m.sid)
	if err != nil {
		return &domain.ChannelWriteError{Field: field, Err: err}
	}
	author := s.PatientID
	if field == "answer" {
		author = s.ProviderID
	}
	if author == m.self.ID {
		m.flags.localWritten = true
		return nil
	}
	return &domain.NegotiationError{Step: field, Err: errors.Join(domain.ErrRoleConflict, cause)}
}

// RetryWrite re-sends the local description after a ChannelWriteError
// without creating a new one.
func (m *Machine) RetryWrite(ctx context.Context) error {
	if m.state == StateEnded || !m.flags.localCreated || m.flags.localWritten {
		return domain.ErrNothingToRetry
	}
	return m.writeLocal(ctx)
}

// HandleCandidate applies a remote candidate, or queues it until the
// connection has a remote description.
func (m *Machine) HandleCandidate(_ context.Context, c domain.Candidate) error {
	if m.state == StateEnded {
		return nil
	}
	if c.SenderID == m.self.ID {
		m.skipped++
		return nil
	}
	if c.ID != "" {
		if _, dup := m.seen[c.ID]; dup {
			m.skipped++
			return nil
		}
		m.seen[c.ID] = struct{}{}
	}
	if m.pc == nil || !m.flags.remoteApplied {
		m.pending = append(m.pending, c)
		return nil
	}
	m.addCandidate(c)
	return nil
}

func (m *Machine) drainPending() {
	queued := m.pending
	m.pending = nil
	for _, c := range queued {
		m.addCandidate(c)
	}
	if len(queued) > 0 {
		m.log.Debug().Int("count", len(queued)).Msg("queued candidates applied")
	}
}

func (m *Machine) addCandidate(c domain.Candidate) {
	if err := m.pc.AddICECandidate(c.Init); err != nil {
		m.failed++
		m.log.Warn().Err(err).Str("candidate", c.ID).Msg("add ice candidate")
		return
	}
	m.applied++
}

// publishCandidate runs on pion's goroutines.
func (m *Machine) publishCandidate(init webrtc.ICECandidateInit) {
	if m.ended.Load() {
		return
	}
	c, err := m.ch.AppendCandidate(m.ctx, m.sid, domain.Candidate{SenderID: m.self.ID, Init: init})
	if err != nil {
		if m.ctx.Err() == nil && !errors.Is(err, domain.ErrSessionEnded) {
			m.log.Warn().Err(err).Msg("publish local candidate")
		}
		return
	}
	m.published.Add(1)
	m.log.Debug().Int64("seq", c.Seq).Msg("local candidate published")
}

// ConnectionStateChanged records the transport state reported by the connection.
func (m *Machine) ConnectionStateChanged(st webrtc.PeerConnectionState) {
	m.connState = st
	if m.state == StateEnded {
		return
	}
	if st == webrtc.PeerConnectionStateConnected {
		m.setState(StateConnected)
	}
}

// End moves the machine to its terminal state. It reports whether this call
// performed the transition.
func (m *Machine) End() bool {
	if m.state == StateEnded {
		return false
	}
	m.ended.Store(true)
	m.cancel()
	m.pending = nil
	m.setState(StateEnded)
	return true
}

func (m *Machine) absorb(step string) {
	m.stale++
	err := &domain.StaleUpdateError{Step: step}
	m.log.Debug().Err(err).Msg("absorbed")
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.log.Debug().Str("from", m.state.String()).Str("to", s.String()).Msg("state")
	m.state = s
}
