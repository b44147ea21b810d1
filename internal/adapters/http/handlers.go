package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/televisit/internal/adapters/signal"
	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	ch  core.Channel
	srv *signal.Server
}

type SessionResponse struct {
	Session  domain.Session `json:"session"`
	Watchers []string       `json:"watchers"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionIDEmpty), errors.Is(err, domain.ErrSessionIDTooLong):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *handlers) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Error().Str("module", "adapters.http").Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.srv.Registry().Count(),
	})
}

func (h *handlers) getSession(c *gin.Context) {
	sid := domain.SessionID(c.Param("id"))
	if err := sid.Validate(); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.ch.Get(c.Request.Context(), sid)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{
		Session:  rec,
		Watchers: h.srv.Registry().Watchers(sid),
	})
}

// endSession marks the session ended. Both peers tear down on the change.
func (h *handlers) endSession(c *gin.Context) {
	sid := domain.SessionID(c.Param("id"))
	if err := sid.Validate(); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.ch.SetStatus(c.Request.Context(), sid, domain.StatusEnded); err != nil {
		h.fail(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("session", string(sid)).
		Str("client", c.GetString(clientTokenKey)).Msg("session ended over REST")
	c.JSON(http.StatusOK, gin.H{"id": sid, "status": domain.StatusEnded})
}
