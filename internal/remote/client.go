// Package remote implements the stateful session client for the remote
// identity API. A Client holds at most one session; its Protocol decides how
// each call is spelled on the wire for the configured API generation.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dhawalhost/wardbridge/internal/identity"
	"github.com/dhawalhost/wardbridge/internal/response"
)

// DefaultTimeout bounds every outbound call when Config.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// DefaultResourceTypes is the allow-list used when Config.ResourceTypes is empty.
var DefaultResourceTypes = []string{"user", "node"}

const acceptHeader = "application/json, application/vnd.php.serialized;q=0.9, " +
	"application/x-www-form-urlencoded;q=0.8, application/xml;q=0.7, text/xml;q=0.7, " +
	"multipart/form-data;q=0.5"

// Config holds the client settings.
type Config struct {
	HostURI            string
	EndpointPath       string
	APIVersion         int
	Timeout            time.Duration
	ResourceTypes      []string
	InsecureSkipVerify bool
}

// Observer is told about every completed call.
type Observer func(op string, status int, took time.Duration, err error)

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used for per-call diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithObserver registers a per-call hook, typically metrics.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client is a session with the remote identity API. It is safe for concurrent
// use but serializes calls: each one depends on state set by the previous.
type Client struct {
	proto    Protocol
	http     *http.Client
	logger   *zap.Logger
	observer Observer
	allowed  map[string]bool

	mu      sync.Mutex
	state   State
	session Session
}

// New returns a client for cfg. A non-nil inbound cookie starts the client in
// the LoggedIn state, reusing a session established elsewhere.
func New(cfg Config, inbound *SessionCookie, opts ...Option) (*Client, error) {
	if cfg.HostURI == "" {
		return nil, fmt.Errorf("remote: host uri is required")
	}
	if cfg.APIVersion == 0 {
		cfg.APIVersion = 1
	}
	proto, err := NewProtocol(cfg.APIVersion, Endpoint{HostURI: cfg.HostURI, Path: cfg.EndpointPath})
	if err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	types := cfg.ResourceTypes
	if len(types) == 0 {
		types = DefaultResourceTypes
	}

	c := &Client{
		proto:   proto,
		logger:  zap.NewNop(),
		allowed: make(map[string]bool, len(types)),
	}
	for _, t := range types {
		c.allowed[t] = true
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}
	c.http = &http.Client{Timeout: cfg.Timeout, Transport: transport}

	for _, opt := range opts {
		opt(c)
	}

	if inbound != nil && inbound.Name != "" && inbound.Value != "" {
		c.state = LoggedIn
		c.session = Session{CookieName: inbound.Name, CookieValue: inbound.Value}
	}
	return c, nil
}

// Protocol returns the API generation in use.
func (c *Client) Protocol() Protocol { return c.proto }

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connect verifies the session and returns the remote identity behind it.
// Any failure resets the client to Unconnected.
func (c *Client) Connect(ctx context.Context) (identity.RemoteRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != LoggedIn {
		return identity.RemoteRecord{}, ErrNotConnected
	}

	c.refreshToken(ctx)
	req := c.proto.ConnectRequest()
	res := c.do(ctx, "connect", req)
	if err := callErr("connect", req, res); err != nil {
		c.reset()
		return identity.RemoteRecord{}, err
	}
	rec, ok := c.proto.Identity(res)
	if !ok {
		c.reset()
		return identity.RemoteRecord{}, &CallError{Op: "connect", URL: req.URL, StatusCode: res.StatusCode, Detail: "no identity in response"}
	}
	return rec, nil
}

// Login authenticates with credentials. A rejected login is returned as a
// *CallError carrying the remote status.
func (c *Client) Login(ctx context.Context, username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Unconnected {
		return ErrAlreadyConnected
	}

	c.refreshToken(ctx)
	req, err := c.proto.LoginRequest(username, password)
	if err != nil {
		return &CallError{Op: "login", Detail: "build request", Err: err}
	}
	res := c.do(ctx, "login", req)
	if err := callErr("login", req, res); err != nil {
		c.reset()
		return err
	}
	sess, ok := c.proto.LoginSession(res)
	if !ok {
		c.reset()
		return &CallError{Op: "login", URL: req.URL, StatusCode: res.StatusCode, Detail: "no session in response"}
	}
	if sess.CSRFToken == "" {
		sess.CSRFToken = c.session.CSRFToken
	}
	c.session = sess
	c.state = LoggedIn
	if c.proto.RefreshTokenAfterLogin() {
		c.refreshToken(ctx)
	}
	return nil
}

// Logout ends the remote session. Local state is always cleared; a remote
// failure is still reported.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != LoggedIn {
		return ErrNotConnected
	}
	defer c.reset()

	c.refreshToken(ctx)
	req := c.proto.LogoutRequest(c.session)
	return callErr("logout", req, c.do(ctx, "logout", req))
}

// Index lists resources of a type. query is appended to the resource URL,
// e.g. "?page=0&pagesize=100".
func (c *Client) Index(ctx context.Context, resourceType, query string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(resourceType); err != nil {
		return nil, err
	}
	return c.result(ctx, "index", c.proto.IndexRequest(resourceType, query))
}

// Get fetches one resource.
func (c *Client) Get(ctx context.Context, resourceType, id string) (any, error) {
	return c.resource(ctx, "get", http.MethodGet, resourceType, id, nil)
}

// Create posts a new resource.
func (c *Client) Create(ctx context.Context, resourceType string, data map[string]any) (any, error) {
	return c.resource(ctx, "create", http.MethodPost, resourceType, "", data)
}

// Update replaces a resource. The target id is read from data["id"] or data["data"]["id"].
func (c *Client) Update(ctx context.Context, resourceType string, data map[string]any) (any, error) {
	id := payloadID(data)
	if id == "" {
		return nil, ErrMissingID
	}
	return c.resource(ctx, "update", http.MethodPut, resourceType, id, data)
}

// Delete removes a resource.
func (c *Client) Delete(ctx context.Context, resourceType, id string) (any, error) {
	return c.resource(ctx, "delete", http.MethodDelete, resourceType, id, nil)
}

// Settings checks that the remote endpoint answers. It needs no session; 200 and 406 both
// count as reachable.
func (c *Client) Settings(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := c.proto.SettingsRequest()
	res := c.do(ctx, "settings", req)
	if res.TransportErr == "" && (res.StatusCode == http.StatusOK || res.StatusCode == http.StatusNotAcceptable) {
		return nil
	}
	return callErr("settings", req, res)
}

// User fetches and normalizes one remote user.
func (c *Client) User(ctx context.Context, uid string) (identity.RemoteRecord, error) {
	v, err := c.Get(ctx, "user", uid)
	if err != nil {
		return identity.RemoteRecord{}, err
	}
	rec, ok := c.proto.Normalize(v)
	if !ok {
		return identity.RemoteRecord{}, &CallError{Op: "get", Detail: "no user in response"}
	}
	return rec, nil
}

// GroupView reads the remote grouping view.
func (c *Client) GroupView(ctx context.Context, view string) ([]identity.ViewRow, error) {
	v, err := c.Index(ctx, view, "")
	if err != nil {
		return nil, err
	}
	if _, ok := Collection(v); !ok {
		return nil, &CallError{Op: "index", Detail: "undecodable group view"}
	}
	return c.proto.ViewRows(v), nil
}

func (c *Client) resource(ctx context.Context, op, method, resourceType, id string, data map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(resourceType); err != nil {
		return nil, err
	}
	req, err := c.proto.ResourceRequest(method, resourceType, id, data)
	if err != nil {
		return nil, &CallError{Op: op, Detail: "build request", Err: err}
	}
	return c.result(ctx, op, req)
}

func (c *Client) check(resourceType string) error {
	if c.state != LoggedIn {
		return ErrNotConnected
	}
	kind, _, _ := strings.Cut(strings.Trim(resourceType, "/"), "/")
	if !c.allowed[kind] {
		return fmt.Errorf("%w: %s", ErrResourceType, kind)
	}
	return nil
}

func (c *Client) result(ctx context.Context, op string, req Request) (any, error) {
	res := c.do(ctx, op, req)
	if err := callErr(op, req, res); err != nil {
		return nil, err
	}
	if res.DecodeErr != nil {
		return nil, &CallError{Op: op, URL: req.URL, StatusCode: res.StatusCode, Detail: "undecodable body", Err: res.DecodeErr}
	}
	if res.Decoded == nil {
		return string(res.Body), nil
	}
	return res.Value(), nil
}

// refreshToken fetches a CSRF token. A failure leaves the old token in place;
// the protected call will then fail remotely and report that instead.
func (c *Client) refreshToken(ctx context.Context) {
	req := c.proto.TokenRequest()
	res := c.do(ctx, "token", req)
	if !res.OK() {
		c.logger.Debug("CSRF token fetch failed",
			zap.Int("status", res.StatusCode),
			zap.String("error", res.TransportErr),
		)
		return
	}
	if tok := c.proto.Token(res); tok != "" {
		c.session.CSRFToken = tok
	}
}

func (c *Client) reset() {
	c.state = Unconnected
	c.session = Session{}
}

func (c *Client) do(ctx context.Context, op string, r Request) *response.Response {
	ctx, span := otel.Tracer("wardbridge/remote").Start(ctx, "remote."+op)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", r.Method), attribute.Int("remote.api_version", c.proto.Version()))

	start := time.Now()
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		res := &response.Response{TransportErr: err.Error()}
		c.finish(op, r, res, start, span)
		return res
	}
	req.Header.Set("Accept", acceptHeader)
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	if r.WithCookie && c.session.CookieName != "" {
		req.Header.Set("Cookie", c.session.CookieName+"="+c.session.CookieValue)
	}
	if r.WithCSRF && c.session.CSRFToken != "" {
		req.Header.Set("X-CSRF-Token", c.session.CSRFToken)
	}

	res := response.FromHTTP(c.http.Do(req))
	c.finish(op, r, res, start, span)
	return res
}

func (c *Client) finish(op string, r Request, res *response.Response, start time.Time, span trace.Span) {
	took := time.Since(start)
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	var err error
	if !res.OK() {
		err = callErr(op, r, res)
		span.SetStatus(codes.Error, err.Error())
	}
	c.logger.Debug("remote call",
		zap.String("operation", op),
		zap.String("method", r.Method),
		zap.String("url", r.URL),
		zap.Int("status", res.StatusCode),
		zap.String("error", res.TransportErr),
		zap.Duration("took", took),
	)
	if c.observer != nil {
		c.observer(op, res.StatusCode, took, err)
	}
}

func callErr(op string, r Request, res *response.Response) error {
	if res.TransportErr != "" {
		return &CallError{Op: op, URL: r.URL, StatusCode: res.StatusCode, Detail: res.TransportErr}
	}
	if res.StatusCode != http.StatusOK {
		return &CallError{Op: op, URL: r.URL, StatusCode: res.StatusCode, Detail: strings.TrimSpace(truncate(string(res.Body), 200))}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
