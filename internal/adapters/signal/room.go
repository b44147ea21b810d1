package signal

import (
	"context"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

func (s *Server) handleGet(ctx context.Context, conn *wsConn, m message) {
	rec, err := s.ch.Get(ctx, m.Session)
	if err != nil {
		s.sendFailure(conn, m.ID, err)
		return
	}
	s.sendJSON(conn, message{Type: typeAck, ID: m.ID, Record: &rec})
}

func (s *Server) handleSubscribe(ctx context.Context, conn *wsConn, m message) {
	s.subscribe(conn, m, func() (core.CancelFunc, error) {
		return s.ch.Subscribe(ctx, m.Session, func(rec domain.Session) {
			s.sendJSON(conn, message{Type: typeSession, Sub: m.ID, Record: &rec})
		})
	})
}

func (s *Server) handleSubscribeCandidates(ctx context.Context, conn *wsConn, m message) {
	s.subscribe(conn, m, func() (core.CancelFunc, error) {
		return s.ch.SubscribeCandidates(ctx, m.Session, func(c domain.Candidate) {
			s.sendJSON(conn, message{Type: typeCandidate, Sub: m.ID, Candidate: &c})
		})
	})
}

// subscribe registers a subscription keyed by the request ID. Events sent
// while open runs are queued ahead of the ack, so the client sees the first
// delivery before the subscription is confirmed.
func (s *Server) subscribe(conn *wsConn, m message, open func() (core.CancelFunc, error)) {
	if m.ID == "" {
		s.sendError(conn, "", codeBadPayload, "subscription id required")
		return
	}
	if !conn.addSub(m.ID, func() {}) {
		s.sendError(conn, m.ID, codeDuplicateSub, m.ID)
		return
	}
	cancel, err := open()
	if err != nil {
		conn.dropSub(m.ID)
		s.sendFailure(conn, m.ID, err)
		return
	}
	conn.setSub(m.ID, cancel)
	s.opts.Registry.Watch(conn.id, m.ID, m.Session)

	conn.log.Debug().Str("type", m.Type).Str("session", string(m.Session)).Str("sub", m.ID).Msg("subscribed")
	s.sendJSON(conn, message{Type: typeAck, ID: m.ID, Sub: m.ID})
}
