// Package sso implements the interactive login and logout hooks the host
// application calls to bridge a remote session into a local one.
package sso

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/dhawalhost/wardbridge/internal/audit"
	"github.com/dhawalhost/wardbridge/internal/identity"
	"github.com/dhawalhost/wardbridge/internal/reconcile"
	"github.com/dhawalhost/wardbridge/internal/remote"
)

// Decision tells the host application what to do with a login attempt.
type Decision string

const (
	// DecisionContinue lets the host run its normal local login.
	DecisionContinue Decision = "continue"
	// DecisionRedirect sends the browser to RedirectURL.
	DecisionRedirect Decision = "redirect"
	// DecisionAuthenticated completes the local login of User.
	DecisionAuthenticated Decision = "authenticated"
)

// Session is the part of the remote client the hooks use.
type Session interface {
	Connect(ctx context.Context) (identity.RemoteRecord, error)
	Logout(ctx context.Context) error
	User(ctx context.Context, uid string) (identity.RemoteRecord, error)
	Protocol() remote.Protocol
}

// Dial opens a remote session reusing an inbound cookie.
type Dial func(inbound *remote.SessionCookie) (Session, error)

// Reconciler converges a local user toward a remote record.
type Reconciler interface {
	CreateOrUpdate(ctx context.Context, rec identity.RemoteRecord) (reconcile.Result, error)
}

// Config holds the hook settings.
type Config struct {
	HostURI      string
	CookieDomain string
	AppURL       string
	DualLogin    bool
	DualLoginURL string
	// CallLogoutService ends the remote session when the user logs out locally.
	CallLogoutService bool
	// ForceLocalLogin disables every redirect to the remote system.
	ForceLocalLogin bool
}

// LoginRequest describes an inbound login page request.
type LoginRequest struct {
	// SSO is the sso query parameter: "no" forces local login, "remote"
	// forces the remote login page even in dual login mode.
	SSO string
	// LocalCredentials is set when the request carries a local username.
	LocalCredentials bool
	// Cookie is the remote session cookie value, empty when absent.
	Cookie   string
	WantsURL string
	// LoggedIn is set when the host already has a non-guest local session.
	LoggedIn bool
}

// LoginResult is the outcome of the login hook.
type LoginResult struct {
	Decision    Decision            `json:"decision"`
	RedirectURL string              `json:"redirect_url,omitempty"`
	User        *identity.LocalUser `json:"user,omitempty"`
	Action      reconcile.Action    `json:"action,omitempty"`
	// EndLocalSession asks the host to log out a local session whose
	// remote session is gone.
	EndLocalSession bool   `json:"end_local_session,omitempty"`
	ExpireCookie    bool   `json:"expire_cookie,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// LogoutResult is the outcome of the logout hook.
type LogoutResult struct {
	RemoteLoggedOut bool   `json:"remote_logged_out"`
	RedirectURL     string `json:"redirect_url,omitempty"`
}

// Service defines the SSO hooks.
type Service interface {
	CookieName() string
	CookieDomain() string
	Login(ctx context.Context, req LoginRequest) (LoginResult, error)
	Logout(ctx context.Context, cookie string) (LogoutResult, error)
}

type service struct {
	cfg        Config
	cookieName string
	dial       Dial
	users      Reconciler
	audit      audit.Service
	logger     *zap.Logger
}

// NewService creates the SSO hooks. auditSvc may be nil.
func NewService(cfg Config, dial Dial, users Reconciler, auditSvc audit.Service, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.HostURI = strings.TrimRight(cfg.HostURI, "/")
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	return &service{
		cfg:        cfg,
		cookieName: remote.CookieName(cfg.HostURI, cfg.CookieDomain),
		dial:       dial,
		users:      users,
		audit:      auditSvc,
		logger:     logger,
	}
}

func (s *service) CookieName() string   { return s.cookieName }
func (s *service) CookieDomain() string { return s.cfg.CookieDomain }

// Login decides how the host handles a login page request. Remote failures
// degrade to DecisionContinue.
func (s *service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	if req.SSO == "no" {
		res := LoginResult{Decision: DecisionContinue, Reason: "remote sso disabled for this request"}
		if req.Cookie != "" {
			s.remoteLogout(ctx, req.Cookie)
			res.ExpireCookie = true
		}
		return res, nil
	}
	if req.LocalCredentials {
		return LoginResult{Decision: DecisionContinue, Reason: "local credentials supplied"}, nil
	}

	if req.Cookie == "" {
		if s.cfg.ForceLocalLogin {
			return LoginResult{Decision: DecisionContinue, Reason: "local login forced"}, nil
		}
		if !s.cfg.DualLogin || req.SSO == "remote" {
			return LoginResult{Decision: DecisionRedirect, RedirectURL: s.remoteLoginURL(req.WantsURL)}, nil
		}
		return LoginResult{Decision: DecisionRedirect, RedirectURL: s.cfg.DualLoginURL}, nil
	}

	sess, err := s.dial(&remote.SessionCookie{Name: s.cookieName, Value: req.Cookie})
	if err != nil {
		s.logger.Error("Failed to create remote client", zap.Error(err))
		return LoginResult{Decision: DecisionContinue, Reason: "remote unavailable"}, nil
	}
	rec, err := sess.Connect(ctx)
	if err != nil {
		s.logger.Debug("No remote identity for session", zap.Error(err))
		return LoginResult{Decision: DecisionContinue, EndLocalSession: req.LoggedIn, Reason: "no remote session"}, nil
	}
	if rec.Anonymous() {
		return LoginResult{Decision: DecisionContinue, Reason: "anonymous remote session"}, nil
	}
	if req.LoggedIn {
		return LoginResult{Decision: DecisionContinue, Reason: "already signed in"}, nil
	}

	if sess.Protocol().FullRecordPerEntry() {
		full, err := sess.User(ctx, rec.ExternalID)
		if err != nil {
			s.logger.Warn("Failed to fetch remote user", zap.String("uid", rec.ExternalID), zap.Error(err))
			return LoginResult{Decision: DecisionContinue, Reason: "remote user unavailable"}, nil
		}
		rec = full
	}

	result, err := s.users.CreateOrUpdate(ctx, rec)
	if err != nil {
		s.logger.Warn("SSO reconciliation failed", zap.String("uid", rec.ExternalID), zap.Error(err))
		s.record(ctx, audit.ActionSSOLogin, rec, "failure", err.Error())
		return LoginResult{Decision: DecisionContinue, Reason: err.Error()}, nil
	}
	s.record(ctx, audit.ActionSSOLogin, rec, "success", string(result.Action))

	return LoginResult{
		Decision:    DecisionAuthenticated,
		RedirectURL: s.landingURL(req.WantsURL),
		User:        result.User,
		Action:      result.Action,
	}, nil
}

func (s *service) Logout(ctx context.Context, cookie string) (LogoutResult, error) {
	var res LogoutResult
	if s.cfg.ForceLocalLogin {
		return res, nil
	}
	if cookie != "" && s.cfg.CallLogoutService {
		res.RemoteLoggedOut = s.remoteLogout(ctx, cookie)
	}
	if s.cfg.DualLogin {
		res.RedirectURL = s.cfg.DualLoginURL
	}
	return res, nil
}

func (s *service) remoteLogout(ctx context.Context, cookie string) bool {
	sess, err := s.dial(&remote.SessionCookie{Name: s.cookieName, Value: cookie})
	if err != nil {
		return false
	}
	if err := sess.Logout(ctx); err != nil {
		s.logger.Debug("Remote logout failed", zap.Error(err))
		return false
	}
	s.record(ctx, audit.ActionSSOLogout, identity.RemoteRecord{}, "success", "")
	return true
}

// remoteLoginURL points at the remote login form with a destination back to
// wantsURL. Dual login pages are never used as destination.
func (s *service) remoteLoginURL(wantsURL string) string {
	target := s.cfg.AppURL
	if wantsURL != "" && (s.cfg.DualLoginURL == "" || !strings.Contains(wantsURL, s.cfg.DualLoginURL)) {
		target = wantsURL
	}
	dest := ""
	if u, err := url.Parse(target); err == nil {
		dest = strings.TrimLeft(u.Path, "/")
		if u.RawQuery != "" {
			dest += "?" + u.RawQuery
		}
	}
	return s.cfg.HostURI + "/user/login?destination=" + url.QueryEscape(dest)
}

// landingURL returns wantsURL when it lies inside the host application.
func (s *service) landingURL(wantsURL string) string {
	if wantsURL != "" && s.cfg.AppURL != "" && strings.HasPrefix(wantsURL, s.cfg.AppURL) {
		return wantsURL
	}
	return s.cfg.AppURL + "/"
}

func (s *service) record(ctx context.Context, action string, rec identity.RemoteRecord, outcome, detail string) {
	if s.audit == nil {
		return
	}
	in := audit.LogInput{
		ActorType:    "user",
		Action:       action,
		ResourceType: "session",
		ResourceID:   rec.ExternalID,
		ResourceName: rec.Name,
		Outcome:      outcome,
	}
	if detail != "" {
		in.Details = map[string]string{"detail": detail}
	}
	if err := s.audit.Log(ctx, in); err != nil {
		s.logger.Warn("Failed to write audit event", zap.Error(err))
	}
}
