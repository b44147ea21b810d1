package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/televisit/internal/app"
	"github.com/gorilla/websocket"
)

func (s *Server) writePump(ctx context.Context, c *wsConn) {
	ping := time.NewTicker(s.opts.PingPeriod)
	defer ping.Stop()
	// Closing unblocks readPump, which then releases subscriptions.
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				c.log.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(s.opts.WriteWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Warn().Err(err).Msg("writePump ping")
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	defer func() {
		c.log.Info().Msg("readPump closing")
		cancel()
		c.dropAll()
		c.Close()
		s.opts.Registry.Unbind(c.id)
	}()

	c.conn.SetReadLimit(s.opts.ReadLimit)
	pongWait := s.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Error().Err(err).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			s.handleSignal(ctx, c, data)
		}
	}
}

func (s *Server) handleSignal(ctx context.Context, c *wsConn, data []byte) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		c.log.Error().Err(err).Msg("bad json")
		s.sendError(c, "", codeBadPayload, "malformed frame")
		return
	}

	switch m.Type {
	case typePing, typeUnsubscribe:
	default:
		if err := m.Session.Validate(); err != nil {
			s.sendFailure(c, m.ID, err)
			return
		}
	}

	switch m.Type {
	case typeWriteOffer, typeWriteAnswer, typeAppendCandidate, typeSetStatus:
		if s.limiter != nil && !s.limiter.Allow(c.client) {
			c.log.Warn().Str("type", m.Type).Msg("rate limited")
			s.sendError(c, m.ID, codeRateLimited, "too many writes")
			return
		}
	}

	switch m.Type {
	case typeWriteOffer:
		s.handleWriteOffer(ctx, c, m)
	case typeWriteAnswer:
		s.handleWriteAnswer(ctx, c, m)
	case typeAppendCandidate:
		s.handleAppendCandidate(ctx, c, m)
	case typeSetStatus:
		s.handleSetStatus(ctx, c, m)
	case typeGet:
		s.handleGet(ctx, c, m)
	case typeSubscribe:
		s.handleSubscribe(ctx, c, m)
	case typeSubscribeCandidates:
		s.handleSubscribeCandidates(ctx, c, m)
	case typeUnsubscribe:
		s.handleUnsubscribe(c, m)
	case typePing:
		s.handlePing(c)
	default:
		c.log.Warn().Str("type", m.Type).Msg("unknown signal")
		s.sendError(c, m.ID, codeUnknownType, m.Type)
	}
}

func (s *Server) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); errors.Is(err, ErrBackpressure) {
		switch s.opts.Policy.OnBackPressure(c.client) {
		case app.CloseConn:
			c.log.Warn().Err(err).Msg("send buffer full, closing connection")
			c.Close()
		case app.DropFrame:
			c.log.Warn().Err(err).Msg("send buffer full, frame dropped")
		case app.NoAction:
		}
	}
}

func (s *Server) sendError(c *wsConn, id, code, msg string) {
	s.sendJSON(c, message{Type: typeError, ID: id, Error: code, Message: msg})
}

func (s *Server) sendFailure(c *wsConn, id string, err error) {
	s.sendError(c, id, errorCode(err), err.Error())
}
