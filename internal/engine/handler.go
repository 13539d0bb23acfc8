package engine

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lumera/portalguard/internal/challenge"
	apperrors "github.com/lumera/portalguard/internal/common/errors"
	"github.com/lumera/portalguard/internal/session"
)

// Handler exposes the engine over HTTP
type Handler struct {
	engine *Engine
	logger *zap.Logger
}

// NewHandler creates the HTTP handler
func NewHandler(engine *Engine, logger *zap.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logger.With(zap.String("component", "http_handler")),
	}
}

// RegisterRoutes mounts the portal security API. The challengeGuard is
// applied to token resolution endpoints to slow down token guessing.
func (h *Handler) RegisterRoutes(r *gin.Engine, challengeGuard gin.HandlerFunc) {
	v1 := r.Group("/v1")

	v1.POST("/sessions", h.beginSession)
	v1.GET("/sessions/validate", h.validateSession)
	v1.DELETE("/sessions/:id", h.endSession)

	challenges := v1.Group("/challenges")
	if challengeGuard != nil {
		challenges.Use(challengeGuard)
	}
	// Both verbs are registered because the emailed links are opened with GET
	challenges.GET("/:token/approve", h.resolveChallenge(challenge.DecisionApprove))
	challenges.POST("/:token/approve", h.resolveChallenge(challenge.DecisionApprove))
	challenges.GET("/:token/deny", h.resolveChallenge(challenge.DecisionDeny))
	challenges.POST("/:token/deny", h.resolveChallenge(challenge.DecisionDeny))

	v1.GET("/principals/:id/devices", h.listDevices)
	v1.DELETE("/devices/:id", h.revokeDevice)
}

func (h *Handler) beginSession(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Respond(c, apperrors.BadRequest("invalid request body"))
		return
	}
	if req.Email == "" || req.Password == "" {
		apperrors.Respond(c, apperrors.BadRequest("email and password are required"))
		return
	}

	result, err := h.engine.BeginSession(c.Request.Context(), req, h.requestContext(c))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	if result.ChallengeRequired {
		c.JSON(http.StatusAccepted, gin.H{
			"challenge_required": true,
			"message":            "verify this login using the link we sent you",
		})
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (h *Handler) validateSession(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		apperrors.Respond(c, apperrors.Unauthorized())
		return
	}

	s, err := h.engine.ValidateRequest(c.Request.Context(), token, h.requestContext(c))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":   s.ID,
		"principal_id": s.PrincipalID,
		"expires_at":   s.ExpiresAt,
		"risk_score":   s.RiskScore,
	})
}

func (h *Handler) endSession(c *gin.Context) {
	s, ok := h.authorize(c)
	if !ok {
		return
	}

	targetID := c.Param("id")
	if targetID != s.ID {
		owned, err := h.engine.ActiveSessions(c.Request.Context(), s.PrincipalID)
		if err != nil {
			apperrors.Respond(c, err)
			return
		}
		found := false
		for _, candidate := range owned {
			if candidate.ID == targetID {
				found = true
				break
			}
		}
		if !found {
			apperrors.Respond(c, apperrors.NotFound("session"))
			return
		}
	}

	if err := h.engine.EndSession(c.Request.Context(), targetID, h.requestContext(c)); err != nil {
		apperrors.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ended": true})
}

func (h *Handler) resolveChallenge(decision challenge.Decision) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := challenge.ResolveContext{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Now:       time.Now().UTC(),
		}

		a, err := h.engine.ResolveChallenge(c.Request.Context(), c.Param("token"), decision, rc)
		if err != nil {
			apperrors.Respond(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": a.Status})
	}
}

func (h *Handler) listDevices(c *gin.Context) {
	s, ok := h.authorize(c)
	if !ok {
		return
	}
	if c.Param("id") != s.PrincipalID {
		apperrors.Respond(c, apperrors.NotFound("principal"))
		return
	}

	devices, err := h.engine.ListTrustedDevices(c.Request.Context(), s.PrincipalID)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *Handler) revokeDevice(c *gin.Context) {
	s, ok := h.authorize(c)
	if !ok {
		return
	}

	err := h.engine.RevokeTrustedDevice(c.Request.Context(), c.Param("id"), s.PrincipalID, h.requestContext(c))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// authorize resolves and validates the bearer token, writing the error
// response itself when the request is not allowed
func (h *Handler) authorize(c *gin.Context) (*session.Session, bool) {
	token := bearerToken(c)
	if token == "" {
		apperrors.Respond(c, apperrors.Unauthorized())
		return nil, false
	}

	s, err := h.engine.ValidateRequest(c.Request.Context(), token, h.requestContext(c))
	if err != nil {
		apperrors.Respond(c, err)
		return nil, false
	}

	c.Set("principal_id", s.PrincipalID)
	return s, true
}

func (h *Handler) requestContext(c *gin.Context) session.RequestContext {
	return session.RequestContext{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Path:      c.FullPath(),
		Now:       time.Now().UTC(),
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
