package sso

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/wardbridge/internal/bulksync"
	"github.com/dhawalhost/wardbridge/pkg/middleware"
)

// Syncer runs bulk syncs for the admin API.
type Syncer interface {
	Run(ctx context.Context, ro bulksync.RunOptions) (*bulksync.Report, error)
	Last() *bulksync.Report
	Running() bool
}

// HTTPHandler serves the SSO hooks and the admin sync endpoints.
type HTTPHandler struct {
	svc    Service
	syncer Syncer
	logger *zap.Logger
	// background is the parent context of asynchronous syncs.
	background context.Context
}

// NewHTTPHandler creates a new SSO HTTP handler. syncer may be nil when the
// admin API is not served.
func NewHTTPHandler(ctx context.Context, svc Service, syncer Syncer, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, syncer: syncer, logger: logger, background: ctx}
}

// RegisterRoutes registers the SSO hook routes.
func (h *HTTPHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sso := rg.Group("/sso")
	{
		sso.GET("/cookie", h.cookie)
		sso.GET("/login", h.login)
		sso.POST("/logout", h.logout)
	}
}

// RegisterAdminRoutes registers the sync routes on an authenticated group.
func (h *HTTPHandler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/sync", h.triggerSync)
	rg.GET("/sync/status", h.syncStatus)
}

type loginQuery struct {
	SSO      string `form:"sso" binding:"omitempty,oneof=no remote"`
	Username string `form:"username"`
	WantsURL string `form:"wantsurl" binding:"omitempty,url"`
	LoggedIn bool   `form:"logged_in"`
}

func (h *HTTPHandler) cookie(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": h.svc.CookieName(), "domain": h.svc.CookieDomain()})
}

func (h *HTTPHandler) login(c *gin.Context) {
	var q loginQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	_, hasUsername := c.GetQuery("username")

	res, err := h.svc.Login(c.Request.Context(), LoginRequest{
		SSO:              q.SSO,
		LocalCredentials: hasUsername,
		Cookie:           h.sessionCookie(c),
		WantsURL:         q.WantsURL,
		LoggedIn:         q.LoggedIn,
	})
	if err != nil {
		h.logger.Error("SSO login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if res.ExpireCookie {
		h.expireCookie(c)
	}
	c.JSON(http.StatusOK, res)
}

func (h *HTTPHandler) logout(c *gin.Context) {
	res, err := h.svc.Logout(c.Request.Context(), h.sessionCookie(c))
	if err != nil {
		h.logger.Error("SSO logout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *HTTPHandler) sessionCookie(c *gin.Context) string {
	v, err := c.Cookie(h.svc.CookieName())
	if err != nil {
		return ""
	}
	return v
}

func (h *HTTPHandler) expireCookie(c *gin.Context) {
	c.SetCookie(h.svc.CookieName(), "", -1, "/", h.svc.CookieDomain(), false, true)
}

type syncRequest struct {
	ForceAll bool `json:"force_all"`
	Wait     bool `json:"wait"`
}

func (h *HTTPHandler) triggerSync(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync not configured"})
		return
	}
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	operator, _ := middleware.AdminSubjectFromContext(c.Request.Context())
	h.logger.Info("Manual sync requested",
		zap.String("operator", operator),
		zap.Bool("force_all", req.ForceAll),
		zap.Bool("wait", req.Wait))
	if h.syncer.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": bulksync.ErrInProgress.Error()})
		return
	}

	if req.Wait {
		report, err := h.syncer.Run(c.Request.Context(), bulksync.RunOptions{ForceAll: req.ForceAll})
		switch {
		case errors.Is(err, bulksync.ErrInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "report": report})
		default:
			c.JSON(http.StatusOK, report)
		}
		return
	}

	go func() {
		if _, err := h.syncer.Run(h.background, bulksync.RunOptions{ForceAll: req.ForceAll}); err != nil {
			h.logger.Error("Manual sync failed", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "force_all": req.ForceAll})
}

func (h *HTTPHandler) syncStatus(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": h.syncer.Running(), "last": h.syncer.Last()})
}
