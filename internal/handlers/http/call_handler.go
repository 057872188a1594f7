package http

import (
	"errors"
	"net/http"

	"telecall/internal/core/domain"
	"telecall/internal/core/services"
	"telecall/internal/infrastructure/monitoring"
	apperrors "telecall/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CallDirectory is the subset of the call registry the control surface uses.
type CallDirectory interface {
	Get(id domain.CallID) (*services.CallSession, error)
	List() []*services.CallSession
	End(id domain.CallID) error
}

type CallHandler struct {
	calls    CallDirectory
	health   *monitoring.HealthChecker
	gatherer prometheus.Gatherer
}

func NewCallHandler(calls CallDirectory, health *monitoring.HealthChecker, gatherer prometheus.Gatherer) *CallHandler {
	if health == nil {
		health = monitoring.NewHealthChecker()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &CallHandler{
		calls:    calls,
		health:   health,
		gatherer: gatherer,
	}
}

func (h *CallHandler) SetupRoutes(router *gin.Engine, metricsPath string) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if metricsPath != "" {
		router.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/calls", h.ListCalls)
		api.GET("/calls/:id", h.GetCall)
		api.DELETE("/calls/:id", h.EndCall)
		api.POST("/calls/:id/visibility", h.SetVisibility)
		api.POST("/calls/:id/renegotiate", h.Renegotiate)
		api.POST("/calls/:id/tracks", h.AddTrack)
		api.DELETE("/calls/:id/tracks/:kind", h.RemoveTrack)
	}
}

func (h *CallHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *CallHandler) Ready(c *gin.Context) {
	if !h.health.IsReady(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *CallHandler) ListCalls(c *gin.Context) {
	sessions := h.calls.List()
	calls := make([]services.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		calls = append(calls, s.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{
		"calls": calls,
	})
}

func (h *CallHandler) GetCall(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"call": session.Snapshot(),
	})
}

func (h *CallHandler) EndCall(c *gin.Context) {
	if err := h.calls.End(domain.CallID(c.Param("id"))); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ended",
	})
}

func (h *CallHandler) SetVisibility(c *gin.Context) {
	var req struct {
		State string `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	state, err := domain.ParseVisibility(req.State)
	if err != nil {
		abortWith(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := session.SetVisibility(state); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"visibility": state.String(),
	})
}

func (h *CallHandler) Renegotiate(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := session.NegotiationNeeded(); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status": "queued",
	})
}

func (h *CallHandler) AddTrack(c *gin.Context) {
	var req struct {
		Kind string `json:"kind" binding:"required,oneof=audio video"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	h.changeTrack(c, domain.TrackKind(req.Kind), (*services.CallSession).AddTrack, "added")
}

func (h *CallHandler) RemoveTrack(c *gin.Context) {
	kind := domain.TrackKind(c.Param("kind"))
	if kind != domain.TrackAudio && kind != domain.TrackVideo {
		abortWith(c, apperrors.NewInvalidInputError("track kind must be audio or video"))
		return
	}
	h.changeTrack(c, kind, (*services.CallSession).RemoveTrack, "removed")
}

func (h *CallHandler) changeTrack(c *gin.Context, kind domain.TrackKind, change func(*services.CallSession, domain.TrackKind) error, status string) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := change(session, kind); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"track":  kind,
		"status": status,
	})
}

func (h *CallHandler) session(c *gin.Context) (*services.CallSession, bool) {
	session, err := h.calls.Get(domain.CallID(c.Param("id")))
	if err != nil {
		abortWith(c, err)
		return nil, false
	}
	return session, true
}

// abortWith attaches err for ErrorHandlerMiddleware, translating domain
// errors to their HTTP form first.
func abortWith(c *gin.Context, err error) {
	_ = c.Error(toAppError(err))
	c.Abort()
}

func toAppError(err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	switch {
	case errors.Is(err, domain.ErrCallNotFound):
		return apperrors.NewNotFoundError("call")
	case errors.Is(err, domain.ErrCallEnded):
		return apperrors.NewCallEndedError(err)
	case errors.Is(err, domain.ErrCallExists):
		return apperrors.NewConflictError(err.Error())
	case errors.Is(err, domain.ErrNegotiationExhausted):
		return apperrors.NewNegotiationExhaustedError(err)
	case errors.Is(err, domain.ErrNoAudioInput):
		return apperrors.NewAudioInputUnavailableError(err)
	case errors.Is(err, domain.ErrEncodingParameterUnsupported):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}
