package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dkeye/TutorRTC/internal/app"
	"github.com/dkeye/TutorRTC/internal/app/orch"
	"github.com/dkeye/TutorRTC/internal/config"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	cfg      *config.Config
	registry *app.Registry
	mux      *orch.Mux
}

type CreateSessionRequest struct {
	OwnerID  string `json:"owner_id" binding:"required"`
	ConfigID string `json:"config_id" binding:"required"`
}

type CreateSessionResponse struct {
	SessionID domain.SessionID `json:"session_id"`
	Token     domain.Token     `json:"token"`
	EngineURL string           `json:"engine_url"`
}

type SessionResponse struct {
	domain.SessionRef
	Status string `json:"status"`
}

func sessionResponse(ref domain.SessionRef) SessionResponse {
	return SessionResponse{SessionRef: ref, Status: ref.Status.String()}
}

func (h *handlers) health(c *gin.Context) {
	resp := gin.H{
		"status":          "ok",
		"active_sessions": h.registry.Count(),
		"max_sessions":    h.registry.Max(),
	}
	if h.mux != nil {
		resp["connections"] = h.mux.Hub.Count()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id and config_id are required"})
		return
	}
	owner, err := domain.NewOwnerID(req.OwnerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, token, err := h.registry.Create(owner, domain.ConfigID(req.ConfigID))
	switch {
	case errors.Is(err, domain.ErrCapacityExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		log.Error().Err(err).Str("module", "adapters.http").Msg("create session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID: id,
		Token:     token,
		EngineURL: strings.TrimRight(h.cfg.PublicURL, "/") + "/ws/" + string(id),
	})
}

func (h *handlers) listSessions(c *gin.Context) {
	refs := h.registry.List()
	out := make([]SessionResponse, 0, len(refs))
	for _, ref := range refs {
		out = append(out, sessionResponse(ref))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

func (h *handlers) getSession(c *gin.Context) {
	ref, err := h.registry.Lookup(domain.SessionID(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessionResponse(ref))
}

func (h *handlers) deleteSession(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	if _, err := h.registry.Lookup(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.registry.Close(id)
	c.Status(http.StatusNoContent)
}
