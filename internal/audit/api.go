package audit

import (
	"encoding/csv"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HTTPHandler serves the audit trail on the admin API.
type HTTPHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewHTTPHandler creates a new audit HTTP handler.
func NewHTTPHandler(svc Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers audit routes.
func (h *HTTPHandler) RegisterRoutes(rg *gin.RouterGroup) {
	audit := rg.Group("/audit")
	{
		audit.GET("", h.queryLogs)
		audit.GET("/export", h.exportLogs)
		audit.GET("/runs/:run_id", h.runSummary)
		audit.GET("/:id", h.getEvent)
	}
}

type eventQuery struct {
	RunID        string    `form:"run_id"`
	Action       string    `form:"action"`
	ResourceType string    `form:"resource_type" binding:"omitempty,oneof=user group membership sync session"`
	ResourceID   string    `form:"resource_id"`
	Outcome      string    `form:"outcome" binding:"omitempty,oneof=success failure skipped"`
	StartTime    time.Time `form:"start_time" time_format:"2006-01-02T15:04:05Z07:00"`
	EndTime      time.Time `form:"end_time" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit        int       `form:"limit" binding:"omitempty,min=1,max=1000"`
	Offset       int       `form:"offset" binding:"omitempty,min=0"`
}

func (q eventQuery) params() QueryParams {
	str := func(v string) *string {
		if v == "" {
			return nil
		}
		return &v
	}
	p := QueryParams{
		RunID:        str(q.RunID),
		Action:       str(q.Action),
		ResourceType: str(q.ResourceType),
		ResourceID:   str(q.ResourceID),
		Outcome:      str(q.Outcome),
		Limit:        q.Limit,
		Offset:       q.Offset,
	}
	if !q.StartTime.IsZero() {
		p.StartTime = &q.StartTime
	}
	if !q.EndTime.IsZero() {
		p.EndTime = &q.EndTime
	}
	return p
}

func bindQuery(c *gin.Context) (QueryParams, bool) {
	var q eventQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return QueryParams{}, false
	}
	return q.params(), true
}

func (h *HTTPHandler) queryLogs(c *gin.Context) {
	params, ok := bindQuery(c)
	if !ok {
		return
	}

	events, total, err := h.svc.Query(c.Request.Context(), params)
	if err != nil {
		h.logger.Error("Failed to query audit logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  total,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

func (h *HTTPHandler) runSummary(c *gin.Context) {
	sum, err := h.svc.RunSummary(c.Request.Context(), c.Param("run_id"))
	switch {
	case errors.Is(err, ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("Failed to summarize sync run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, sum)
	}
}

func (h *HTTPHandler) getEvent(c *gin.Context) {
	event, err := h.svc.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *HTTPHandler) exportLogs(c *gin.Context) {
	params, ok := bindQuery(c)
	if !ok {
		return
	}
	events, err := h.svc.Export(c.Request.Context(), params)
	if err != nil {
		h.logger.Error("Failed to export audit logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=wardbridge_audit.csv")

	w := csv.NewWriter(c.Writer)
	w.Write([]string{"time", "run_id", "actor", "action", "resource_type", "resource_id", "resource_name", "outcome", "details"})
	for _, e := range events {
		w.Write([]string{
			e.Timestamp.Format(time.RFC3339),
			e.RunID,
			e.ActorType,
			e.Action,
			e.ResourceType,
			deref(e.ResourceID),
			deref(e.ResourceName),
			e.Outcome,
			string(e.Details),
		})
	}
	w.Flush()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
