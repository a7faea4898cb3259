package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoginThenConnect(t *testing.T) {
	for _, version := range []int{1, 2} {
		f := newFakeRemote(t)
		c := f.client(t, version, nil)
		ctx := context.Background()

		if err := c.Login(ctx, testUser, testPassword); err != nil {
			t.Fatalf("v%d: login failed: %v", version, err)
		}
		if c.State() != LoggedIn {
			t.Fatalf("v%d: expected logged in, got %s", version, c.State())
		}
		rec, err := c.Connect(ctx)
		if err != nil {
			t.Fatalf("v%d: connect failed: %v", version, err)
		}
		if rec.ExternalID != "42" {
			t.Fatalf("v%d: expected external id 42, got %q", version, rec.ExternalID)
		}
		if !rec.Active || rec.Name != "alice" {
			t.Fatalf("v%d: unexpected record %+v", version, rec)
		}
	}
}

func TestLoginStoresV2Tokens(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 2, nil)
	if err := c.Login(context.Background(), testUser, testPassword); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	s := c.Session()
	if s.CookieName != v2Cookie || s.CookieValue != v2Session {
		t.Fatalf("unexpected cookie %s=%s", s.CookieName, s.CookieValue)
	}
	if s.CSRFToken != "csrf-login" || s.LogoutToken != "logout-1" {
		t.Fatalf("unexpected tokens %+v", s)
	}
}

func TestV1RefreshesTokenAfterLogin(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 1, nil)
	ctx := context.Background()
	if err := c.Login(ctx, testUser, testPassword); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if c.Session().CSRFToken != "csrf-v1" {
		t.Fatalf("expected csrf token, got %q", c.Session().CSRFToken)
	}
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if got := f.lastCSRF.Load(); got != "csrf-v1" {
		t.Fatalf("expected connect to carry csrf header, got %v", got)
	}
}

func TestLoginRejected(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 1, nil)
	err := c.Login(context.Background(), testUser, "wrong")
	if err == nil {
		t.Fatalf("expected login failure")
	}
	if StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%v)", StatusOf(err), err)
	}
	if c.State() != Unconnected {
		t.Fatalf("expected unconnected after failed login")
	}
}

func TestLoginTwice(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 2, nil)
	ctx := context.Background()
	if err := c.Login(ctx, testUser, testPassword); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := c.Login(ctx, testUser, testPassword); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestLogoutAlwaysClearsState(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusInternalServerError} {
		for _, version := range []int{1, 2} {
			f := newFakeRemote(t)
			f.logoutStatus = status
			c := f.client(t, version, nil)
			ctx := context.Background()
			if err := c.Login(ctx, testUser, testPassword); err != nil {
				t.Fatalf("login failed: %v", err)
			}

			err := c.Logout(ctx)
			if status == http.StatusOK && err != nil {
				t.Fatalf("v%d: unexpected logout error: %v", version, err)
			}
			if status != http.StatusOK && StatusOf(err) != status {
				t.Fatalf("v%d: expected status %d, got %v", version, status, err)
			}
			if c.State() != Unconnected {
				t.Fatalf("v%d: expected unconnected after logout", version)
			}
			if c.Session() != (Session{}) {
				t.Fatalf("v%d: expected cleared session, got %+v", version, c.Session())
			}
		}
	}
}

func TestUnconnectedMakesNoCalls(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 1, nil)
	ctx := context.Background()

	calls := map[string]func() error{
		"index":  func() error { _, err := c.Index(ctx, "user", ""); return err },
		"get":    func() error { _, err := c.Get(ctx, "user", "42"); return err },
		"create": func() error { _, err := c.Create(ctx, "node", map[string]any{"title": "x"}); return err },
		"update": func() error { _, err := c.Update(ctx, "user", map[string]any{"id": "42"}); return err },
		"delete": func() error { _, err := c.Delete(ctx, "node", "1"); return err },
		"logout": func() error { return c.Logout(ctx) },
		"connect": func() error {
			_, err := c.Connect(ctx)
			return err
		},
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("%s: expected ErrNotConnected, got %v", name, err)
		}
	}
	if n := f.hits.Load(); n != 0 {
		t.Fatalf("expected no requests, got %d", n)
	}
}

func TestResourceAllowList(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 1, nil)
	ctx := context.Background()
	if err := c.Login(ctx, testUser, testPassword); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	before := f.hits.Load()
	if _, err := c.Index(ctx, "secrets", ""); !errors.Is(err, ErrResourceType) {
		t.Fatalf("expected ErrResourceType, got %v", err)
	}
	if f.hits.Load() != before {
		t.Fatalf("expected no request for a denied resource type")
	}
}

func TestUpdateRequiresID(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 1, nil)
	ctx := context.Background()
	if err := c.Login(ctx, testUser, testPassword); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := c.Update(ctx, "user", map[string]any{"name": "x"}); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
	if _, err := c.Update(ctx, "user", map[string]any{"data": map[string]any{"id": "42"}}); err != nil {
		t.Fatalf("expected nested id to be accepted, got %v", err)
	}
}

func TestIndexAndUserV1(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 1, nil)
	ctx := context.Background()
	if err := c.Login(ctx, testUser, testPassword); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	v, err := c.Index(ctx, "user", "?page=0")
	if err != nil {
		t.Fatalf("index failed: %v", err)
	}
	if len(List(v)) != 1 {
		t.Fatalf("expected one entry, got %#v", v)
	}
	rec, err := c.User(ctx, "42")
	if err != nil {
		t.Fatalf("user fetch failed: %v", err)
	}
	if got := rec.Attributes["field_x"].Scalarize(); got != "value" {
		t.Fatalf("expected field_x=value, got %q", got)
	}
}

func TestIndexV2(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 2, nil)
	ctx := context.Background()
	if err := c.Login(ctx, testUser, testPassword); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	v, err := c.Index(ctx, "user", "?vid=0&page=0&pagesize=100")
	if err != nil {
		t.Fatalf("index failed: %v", err)
	}
	entries := List(v)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %#v", v)
	}
	rec, ok := c.Protocol().Normalize(entries[0])
	if !ok || rec.ExternalID != "42" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, ok := rec.Attributes["roles"]; ok {
		t.Fatalf("expected valueless attribute to be dropped")
	}
}

func TestInboundCookie(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 1, &SessionCookie{Name: v1Cookie, Value: v1Session})
	if c.State() != LoggedIn {
		t.Fatalf("expected inbound cookie to start logged in")
	}
	rec, err := c.Connect(context.Background())
	if err != nil || rec.ExternalID != "42" {
		t.Fatalf("expected identity 42, got %+v, %v", rec, err)
	}
}

func TestConnectFailureResets(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 1, &SessionCookie{Name: v1Cookie, Value: "stale"})
	_, err := c.Connect(context.Background())
	if StatusOf(err) != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
	if c.State() != Unconnected {
		t.Fatalf("expected failed connect to reset the session")
	}
}

func TestTransportFailure(t *testing.T) {
	f := newFakeRemote(t)
	c := f.client(t, 2, nil)
	f.srv.Close()

	err := c.Login(context.Background(), testUser, testPassword)
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CallError, got %v", err)
	}
	if ce.StatusCode != 0 || ce.Detail == "" {
		t.Fatalf("expected transport detail, got %+v", ce)
	}
}

func TestSettings(t *testing.T) {
	f := newFakeRemote(t)
	if err := f.client(t, 2, nil).Settings(context.Background()); err != nil {
		t.Fatalf("expected reachable remote, got %v", err)
	}
}

func TestUnknownVersion(t *testing.T) {
	if _, err := New(Config{HostURI: "http://idp", APIVersion: 9}, nil); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}
}

func TestGroupViewRejectsUndecodedBody(t *testing.T) {
	cases := map[string]struct {
		contentType string
		body        string
	}{
		"html page":  {"text/html; charset=utf-8", "<html><body>Maintenance</body></html>"},
		"empty json": {"application/json", ""},
	}
	for name, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", tc.contentType)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(tc.body))
		}))
		c, err := New(Config{HostURI: srv.URL, EndpointPath: "/svc", ResourceTypes: []string{"cohorts"}},
			&SessionCookie{Name: "SESS1", Value: "sid"}, WithHTTPClient(srv.Client()))
		if err != nil {
			srv.Close()
			t.Fatalf("%s: new client: %v", name, err)
		}

		rows, err := c.GroupView(context.Background(), "cohorts")
		srv.Close()
		var callErr *CallError
		if !errors.As(err, &callErr) {
			t.Fatalf("%s: expected call error, got rows=%d err=%v", name, len(rows), err)
		}
		if rows != nil {
			t.Fatalf("%s: expected no rows, got %d", name, len(rows))
		}
	}
}

func TestGroupViewAcceptsEmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	}))
	defer srv.Close()
	c, err := New(Config{HostURI: srv.URL, EndpointPath: "/svc", ResourceTypes: []string{"cohorts"}},
		&SessionCookie{Name: "SESS1", Value: "sid"}, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	rows, err := c.GroupView(context.Background(), "cohorts")
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected empty view, got rows=%d err=%v", len(rows), err)
	}
}
