// Package response turns raw HTTP responses from the remote identity API into
// headers, cookies and a decoded body.
package response

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/elliotchance/phpserialize"
)

// Format identifies how the body was decoded.
type Format int

const (
	FormatNone Format = iota
	FormatJSON
	FormatXML
	FormatSerialized
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatXML:
		return "xml"
	case FormatSerialized:
		return "serialized"
	}
	return "none"
}

// Content types understood by the decoder.
const (
	ContentTypeJSON       = "application/json"
	ContentTypeSerialized = "application/vnd.php.serialized"
)

var xmlContentType = regexp.MustCompile(`(?i)(text|application)/xml`)

// Cookie is one name/value pair taken from a Set-Cookie header.
type Cookie struct {
	Name  string
	Value string
}

// Response is a parsed remote response.
type Response struct {
	StatusCode int
	// Headers keeps the last value seen for each canonical header name.
	Headers map[string]string
	// Cookies keeps the first value seen for each cookie name.
	Cookies map[string]string
	// CookieOrder lists cookie names in the order they first appeared.
	CookieOrder []string
	Body        []byte
	Format      Format
	// Decoded is nil when the body was not decoded; an empty body decodes to "".
	Decoded any
	// DecodeErr is set when the body matched a known content type but was malformed.
	DecodeErr error
	// TransportErr carries the client-side failure text (DNS, TLS, timeout).
	TransportErr string
}

// OK reports a 200 response with no transport failure.
func (r *Response) OK() bool {
	return r != nil && r.TransportErr == "" && r.StatusCode == http.StatusOK
}

// Header returns the value of a header, case-insensitively.
func (r *Response) Header(name string) string {
	return r.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// FirstCookie returns the first cookie set by the response.
func (r *Response) FirstCookie() (Cookie, bool) {
	if len(r.CookieOrder) == 0 {
		return Cookie{}, false
	}
	name := r.CookieOrder[0]
	return Cookie{Name: name, Value: r.Cookies[name]}, true
}

// Value returns the decoded body as a generic tree of map[string]any, []any,
// string, json.Number, bool and nil, whatever the wire format was.
func (r *Response) Value() any {
	switch d := r.Decoded.(type) {
	case nil:
		return nil
	case *etree.Document:
		root := d.Root()
		if root == nil {
			return ""
		}
		return xmlValue(root)
	default:
		return d
	}
}

// ParseRaw parses a raw response: an optional status line, the header block,
// a blank line and the body. Interim 1xx blocks are skipped.
func ParseRaw(raw []byte) *Response {
	res := newResponse()
	rest := raw
	for {
		head, body, found := splitHead(rest)
		status, lines := statusLine(head)
		if status >= 100 && status < 200 && found {
			rest = body
			continue
		}
		res.StatusCode = status
		for _, line := range lines {
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			res.addHeader(name, strings.TrimSpace(value))
		}
		res.Body = body
		break
	}
	res.decode()
	return res
}

// FromHTTP builds a Response from a net/http round trip. A non-nil err is
// recorded as the transport failure.
func FromHTTP(resp *http.Response, err error) *Response {
	res := newResponse()
	if err != nil {
		res.TransportErr = err.Error()
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	for name, values := range resp.Header {
		for _, v := range values {
			res.addHeader(name, v)
		}
	}
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		res.TransportErr = readErr.Error()
	}
	res.Body = body
	res.decode()
	return res
}

func newResponse() *Response {
	return &Response{
		Headers: make(map[string]string),
		Cookies: make(map[string]string),
	}
}

func (r *Response) addHeader(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
	r.Headers[key] = value
	if key == "Set-Cookie" {
		for _, c := range ParseSetCookie(value) {
			if _, seen := r.Cookies[c.Name]; seen {
				continue
			}
			r.Cookies[c.Name] = c.Value
			r.CookieOrder = append(r.CookieOrder, c.Name)
		}
	}
}

func splitHead(raw []byte) (head, body []byte, found bool) {
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf <= lf):
		return raw[:crlf], raw[crlf+4:], true
	case lf >= 0:
		return raw[:lf], raw[lf+2:], true
	}
	return raw, nil, false
}

func statusLine(head []byte) (int, []string) {
	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "HTTP/") {
		return 0, lines
	}
	parts := strings.Fields(lines[0])
	status := 0
	if len(parts) > 1 {
		status, _ = strconv.Atoi(parts[1])
	}
	return status, lines[1:]
}

// ParseSetCookie splits one Set-Cookie header value into cookies. Cookies are
// separated by a comma not followed by whitespace (so Expires dates survive),
// and only the leading name=value of each cookie is kept; attributes such as
// Path or HttpOnly are dropped.
func ParseSetCookie(value string) []Cookie {
	var cookies []Cookie
	for _, part := range splitCookies(value) {
		pair, _, _ := strings.Cut(part, ";")
		name, val, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		cookies = append(cookies, Cookie{Name: name, Value: strings.TrimSpace(val)})
	}
	return cookies
}

func splitCookies(value string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(value); i++ {
		if value[i] != ',' {
			continue
		}
		if i+1 < len(value) && (value[i+1] == ' ' || value[i+1] == '\t') {
			continue
		}
		parts = append(parts, value[start:i])
		start = i + 1
	}
	return append(parts, value[start:])
}

func (r *Response) decode() {
	if r.StatusCode != http.StatusOK && r.StatusCode != http.StatusNotAcceptable {
		return
	}
	if len(bytes.TrimSpace(r.Body)) == 0 {
		r.Decoded = ""
		return
	}

	contentType := r.Header("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch {
	case mediaType == ContentTypeJSON:
		dec := json.NewDecoder(bytes.NewReader(r.Body))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			r.DecodeErr = fmt.Errorf("decode json: %w", err)
			return
		}
		r.Format, r.Decoded = FormatJSON, v
	case xmlContentType.MatchString(contentType):
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(r.Body); err != nil {
			r.DecodeErr = fmt.Errorf("decode xml: %w", err)
			return
		}
		r.Format, r.Decoded = FormatXML, doc
	case mediaType == ContentTypeSerialized:
		v, err := phpserialize.UnmarshalAssociativeArray(r.Body)
		if err != nil {
			r.DecodeErr = fmt.Errorf("decode serialized: %w", err)
			return
		}
		r.Format, r.Decoded = FormatSerialized, serializedValue(v)
	}
}

func serializedValue(v any) any {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = serializedValue(val)
		}
		return out
	case []interface{}:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = serializedValue(val)
		}
		return out
	case int64:
		return json.Number(strconv.FormatInt(t, 10))
	case float64:
		return json.Number(strconv.FormatFloat(t, 'f', -1, 64))
	}
	return v
}
