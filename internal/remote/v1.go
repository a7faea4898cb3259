package remote

import (
	"net/http"
	"net/url"

	"github.com/dhawalhost/wardbridge/internal/identity"
	"github.com/dhawalhost/wardbridge/internal/response"
)

// v1 speaks the services-module API of pre-v8 remote sites. Every call goes
// through the services endpoint and state-changing calls are POSTs.
type v1 struct {
	ep Endpoint
}

func (p *v1) Version() int { return 1 }

func (p *v1) TokenRequest() Request {
	return Request{Method: http.MethodPost, URL: p.ep.URI() + "/user/token", WithCookie: true, WithCSRF: true}
}

func (p *v1) Token(res *response.Response) string {
	return objectField(res, "token")
}

func (p *v1) ConnectRequest() Request {
	return Request{Method: http.MethodPost, URL: p.ep.URI() + "/system/connect", WithCookie: true, WithCSRF: true}
}

func (p *v1) Identity(res *response.Response) (identity.RemoteRecord, bool) {
	return p.Normalize(res.Value())
}

func (p *v1) LoginRequest(username, password string) (Request, error) {
	form := url.Values{}
	form.Set("name", username)
	form.Set("username", username)
	form.Set("password", password)
	form.Set("pass", password)
	return Request{
		Method:      http.MethodPost,
		URL:         p.ep.URI() + "/user/login",
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		WithCSRF:    true,
	}, nil
}

func (p *v1) LoginSession(res *response.Response) (Session, bool) {
	s := Session{
		CookieName:  objectField(res, "session_name"),
		CookieValue: objectField(res, "sessid"),
		CSRFToken:   objectField(res, "token"),
	}
	return s, s.CookieName != "" && s.CookieValue != ""
}

func (p *v1) RefreshTokenAfterLogin() bool { return true }

func (p *v1) LogoutRequest(Session) Request {
	return Request{Method: http.MethodPost, URL: p.ep.URI() + "/user/logout", WithCookie: true, WithCSRF: true}
}

func (p *v1) IndexRequest(resourceType, query string) Request {
	return Request{
		Method:     http.MethodGet,
		URL:        withQuery(resourcePath(p.ep.URI(), resourceType, ""), query),
		WithCookie: true,
		WithCSRF:   true,
	}
}

func (p *v1) ResourceRequest(method, resourceType, id string, data map[string]any) (Request, error) {
	req := Request{
		Method:     method,
		URL:        resourcePath(p.ep.URI(), resourceType, id),
		WithCookie: true,
		WithCSRF:   true,
	}
	if data != nil {
		req.Body = []byte(formEncode(data))
		req.ContentType = "application/x-www-form-urlencoded"
	}
	return req, nil
}

func (p *v1) SettingsRequest() Request {
	return Request{Method: http.MethodGet, URL: p.ep.URI(), WithCookie: true}
}

func (p *v1) FullRecordPerEntry() bool { return true }

// Normalize accepts a user object or a system/connect reply wrapping one in "user".
func (p *v1) Normalize(v any) (identity.RemoteRecord, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return identity.RemoteRecord{}, false
	}
	if inner, ok := m["user"].(map[string]any); ok {
		m = inner
	}
	if _, ok := m["uid"]; !ok {
		return identity.RemoteRecord{}, false
	}
	return record(m, v1Attr), true
}

func (p *v1) ViewRows(v any) []identity.ViewRow {
	return viewRows(v, v1Attr)
}
