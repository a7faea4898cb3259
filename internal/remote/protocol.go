package remote

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/dhawalhost/wardbridge/internal/identity"
	"github.com/dhawalhost/wardbridge/internal/response"
)

// Request describes one outbound call. The client adds the session cookie and
// CSRF header when asked to and when it holds them.
type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	WithCookie  bool
	WithCSRF    bool
}

// Endpoint locates the remote API.
type Endpoint struct {
	// HostURI is the remote site root, e.g. https://idp.example.com.
	HostURI string
	// Path is the services endpoint below HostURI used by resource calls.
	Path string
}

// URI returns the services endpoint URL.
func (e Endpoint) URI() string {
	return strings.TrimRight(e.HostURI, "/") + e.Path
}

// Protocol is one generation of the remote API. It builds requests and reads
// responses; the Client owns state and transport.
type Protocol interface {
	Version() int
	TokenRequest() Request
	Token(res *response.Response) string
	ConnectRequest() Request
	Identity(res *response.Response) (identity.RemoteRecord, bool)
	LoginRequest(username, password string) (Request, error)
	// LoginSession extracts the session from a successful login response.
	LoginSession(res *response.Response) (Session, bool)
	// RefreshTokenAfterLogin reports whether a new CSRF token must be fetched
	// once the session cookie is known.
	RefreshTokenAfterLogin() bool
	LogoutRequest(s Session) Request
	IndexRequest(resourceType, query string) Request
	ResourceRequest(method, resourceType, id string, data map[string]any) (Request, error)
	SettingsRequest() Request
	// FullRecordPerEntry reports whether index entries are partial and must be
	// merged with a per-user fetch.
	FullRecordPerEntry() bool
	Normalize(v any) (identity.RemoteRecord, bool)
	ViewRows(v any) []identity.ViewRow
}

// Factory builds a Protocol for an endpoint.
type Factory func(Endpoint) Protocol

var (
	protocolsMu sync.RWMutex
	protocols   = map[int]Factory{}
)

// RegisterProtocol makes a protocol available for an API version.
func RegisterProtocol(version int, factory Factory) {
	protocolsMu.Lock()
	defer protocolsMu.Unlock()
	protocols[version] = factory
}

// NewProtocol returns the protocol registered for version.
func NewProtocol(version int, ep Endpoint) (Protocol, error) {
	protocolsMu.RLock()
	defer protocolsMu.RUnlock()
	factory, ok := protocols[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return factory(ep), nil
}

func init() {
	RegisterProtocol(1, func(ep Endpoint) Protocol { return &v1{ep: ep} })
	RegisterProtocol(2, func(ep Endpoint) Protocol { return &v2{ep: ep} })
}

func objectField(res *response.Response, key string) string {
	m, ok := res.Value().(map[string]any)
	if !ok {
		return ""
	}
	s, _ := scalarString(m[key])
	return s
}

func withQuery(u, query string) string {
	if query == "" {
		return u
	}
	if strings.HasPrefix(query, "?") || strings.HasPrefix(query, "/") {
		return u + query
	}
	return u + "?" + query
}

func addParam(u, kv string) string {
	if strings.Contains(u, "?") {
		return u + "&" + kv
	}
	return u + "?" + kv
}

func resourcePath(base, resourceType, id string) string {
	p := strings.TrimRight(base, "/") + "/" + strings.Trim(resourceType, "/")
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func jsonRequest(method, u string, payload any) (Request, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Request{}, err
		}
		body = b
	}
	return Request{Method: method, URL: u, Body: body, ContentType: "application/json"}, nil
}

// formEncode encodes nested maps the way PHP's http_build_query does:
// {"data": {"id": 5}} becomes data[id]=5.
func formEncode(data map[string]any) string {
	vals := url.Values{}
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch t := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(prefix+"["+k+"]", t[k])
			}
		case []any:
			for i, item := range t {
				walk(fmt.Sprintf("%s[%d]", prefix, i), item)
			}
		default:
			s, ok := scalarString(v)
			if !ok {
				s = fmt.Sprint(v)
			}
			vals.Add(prefix, s)
		}
	}
	for k, v := range data {
		walk(k, v)
	}
	return vals.Encode()
}

// payloadID finds the update target in data["id"] or data["data"]["id"].
func payloadID(data map[string]any) string {
	if s, ok := scalarString(data["id"]); ok && s != "" {
		return s
	}
	if inner, ok := data["data"].(map[string]any); ok {
		if s, ok := scalarString(inner["id"]); ok && s != "" {
			return s
		}
	}
	return ""
}
