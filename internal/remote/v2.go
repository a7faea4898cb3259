package remote

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/dhawalhost/wardbridge/internal/identity"
	"github.com/dhawalhost/wardbridge/internal/response"
)

// v2 speaks the core REST API of v8+ remote sites: session calls live at the
// host root, bodies are JSON and every URL carries _format=json.
type v2 struct {
	ep Endpoint
}

func (p *v2) host() string { return strings.TrimRight(p.ep.HostURI, "/") }

func (p *v2) Version() int { return 2 }

func (p *v2) TokenRequest() Request {
	return Request{Method: http.MethodGet, URL: p.host() + "/session/token?_format=json", WithCookie: true}
}

// Token is the raw body of the token endpoint.
func (p *v2) Token(res *response.Response) string {
	if s, ok := res.Decoded.(string); ok && s != "" {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(res.Body))
}

func (p *v2) ConnectRequest() Request {
	return Request{Method: http.MethodGet, URL: p.host() + "/system/connect?_format=json", WithCookie: true}
}

func (p *v2) Identity(res *response.Response) (identity.RemoteRecord, bool) {
	return p.Normalize(res.Value())
}

func (p *v2) LoginRequest(username, password string) (Request, error) {
	return jsonRequest(http.MethodPost, p.host()+"/user/login?_format=json", map[string]string{
		"name": username,
		"pass": password,
	})
}

func (p *v2) LoginSession(res *response.Response) (Session, bool) {
	cookie, ok := res.FirstCookie()
	if !ok {
		return Session{}, false
	}
	return Session{
		CookieName:  cookie.Name,
		CookieValue: cookie.Value,
		CSRFToken:   objectField(res, "csrf_token"),
		LogoutToken: objectField(res, "logout_token"),
	}, true
}

func (p *v2) RefreshTokenAfterLogin() bool { return false }

func (p *v2) LogoutRequest(s Session) Request {
	u := p.host() + "/user/logout?token=" + url.QueryEscape(s.LogoutToken) + "&_format=json"
	return Request{Method: http.MethodPost, URL: u, WithCookie: true, WithCSRF: true}
}

func (p *v2) IndexRequest(resourceType, query string) Request {
	u := withQuery(resourcePath(p.host()+"/entity/index", resourceType, ""), query)
	return Request{Method: http.MethodGet, URL: addParam(u, "_format=json"), WithCookie: true}
}

func (p *v2) ResourceRequest(method, resourceType, id string, data map[string]any) (Request, error) {
	u := addParam(resourcePath(p.host(), resourceType, id), "_format=json")
	var payload any
	if data != nil {
		payload = data
	}
	req, err := jsonRequest(method, u, payload)
	if err != nil {
		return Request{}, err
	}
	req.WithCookie, req.WithCSRF = true, true
	if data == nil {
		req.ContentType = ""
	}
	return req, nil
}

func (p *v2) SettingsRequest() Request {
	return Request{Method: http.MethodGet, URL: p.host() + "/session/token?_format=json"}
}

func (p *v2) FullRecordPerEntry() bool { return false }

// Normalize accepts the attribute-list object or the one-element array that
// system/connect returns.
func (p *v2) Normalize(v any) (identity.RemoteRecord, bool) {
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return identity.RemoteRecord{}, false
		}
		v = list[0]
	}
	m, ok := v.(map[string]any)
	if !ok {
		return identity.RemoteRecord{}, false
	}
	if _, ok := m["uid"]; !ok {
		return identity.RemoteRecord{}, false
	}
	return record(m, v2Attr), true
}

func (p *v2) ViewRows(v any) []identity.ViewRow {
	return viewRows(v, v2Attr)
}
