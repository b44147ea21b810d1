package signal

import (
	"context"

	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/webrtc/v4"
)

func validDescription(sd *webrtc.SessionDescription, want webrtc.SDPType) bool {
	return sd != nil && sd.Type == want && sd.SDP != ""
}

func (s *Server) handleWriteOffer(ctx context.Context, conn *wsConn, m message) {
	if !validDescription(m.SDP, webrtc.SDPTypeOffer) {
		s.sendError(conn, m.ID, codeBadPayload, "offer sdp required")
		return
	}
	if err := s.ch.WriteOffer(ctx, m.Session, m.From, *m.SDP); err != nil {
		conn.log.Info().Err(err).Str("session", string(m.Session)).Msg("write offer rejected")
		s.sendFailure(conn, m.ID, err)
		return
	}
	conn.log.Info().Str("session", string(m.Session)).Str("from", string(m.From)).Msg("offer written")
	s.sendJSON(conn, message{Type: typeAck, ID: m.ID})
}

func (s *Server) handleWriteAnswer(ctx context.Context, conn *wsConn, m message) {
	if !validDescription(m.SDP, webrtc.SDPTypeAnswer) {
		s.sendError(conn, m.ID, codeBadPayload, "answer sdp required")
		return
	}
	if err := s.ch.WriteAnswer(ctx, m.Session, m.From, *m.SDP); err != nil {
		conn.log.Info().Err(err).Str("session", string(m.Session)).Msg("write answer rejected")
		s.sendFailure(conn, m.ID, err)
		return
	}
	conn.log.Info().Str("session", string(m.Session)).Str("from", string(m.From)).Msg("answer written")
	s.sendJSON(conn, message{Type: typeAck, ID: m.ID})
}

func (s *Server) handleAppendCandidate(ctx context.Context, conn *wsConn, m message) {
	if m.Candidate == nil || m.Candidate.Init.Candidate == "" {
		s.sendError(conn, m.ID, codeBadPayload, "candidate required")
		return
	}
	stored, err := s.ch.AppendCandidate(ctx, m.Session, *m.Candidate)
	if err != nil {
		s.sendFailure(conn, m.ID, err)
		return
	}
	s.sendJSON(conn, message{Type: typeAck, ID: m.ID, Candidate: &stored})
}

func (s *Server) handleSetStatus(ctx context.Context, conn *wsConn, m message) {
	if !m.Status.Valid() {
		s.sendError(conn, m.ID, codeInvalidStatus, string(m.Status))
		return
	}
	if err := s.ch.SetStatus(ctx, m.Session, m.Status); err != nil {
		s.sendFailure(conn, m.ID, err)
		return
	}
	if m.Status == domain.StatusEnded {
		conn.log.Info().Str("session", string(m.Session)).Msg("session ended")
	}
	s.sendJSON(conn, message{Type: typeAck, ID: m.ID})
}
