package response

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func raw(lines ...string) []byte {
	s := ""
	for _, l := range lines {
		s += l + "\r\n"
	}
	return []byte(s)
}

func TestParseRawJSON(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 200 OK",
		"Content-Type: application/json",
		"X-Test: a",
		"",
		`{"uid":"42","name":"alice"}`,
	))

	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if res.Format != FormatJSON {
		t.Fatalf("expected json format, got %s", res.Format)
	}
	obj, ok := res.Value().(map[string]any)
	if !ok {
		t.Fatalf("expected object body, got %T", res.Value())
	}
	if obj["name"] != "alice" {
		t.Fatalf("expected alice, got %v", obj["name"])
	}
	if res.Header("x-test") != "a" {
		t.Fatalf("expected header lookup to be case-insensitive")
	}
}

func TestParseRawTwoCookies(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 200 OK",
		"Set-Cookie: SESSabc=one; path=/; HttpOnly",
		"Set-Cookie: other=two; expires=Wed, 21 Oct 2026 07:28:00 GMT; path=/",
		"",
	))

	if got := res.Cookies["SESSabc"]; got != "one" {
		t.Fatalf("expected SESSabc=one, got %q", got)
	}
	if got := res.Cookies["other"]; got != "two" {
		t.Fatalf("expected other=two, got %q", got)
	}
	if len(res.Cookies) != 2 {
		t.Fatalf("expected 2 cookies, got %v", res.Cookies)
	}
	first, ok := res.FirstCookie()
	if !ok || first.Name != "SESSabc" {
		t.Fatalf("expected first cookie SESSabc, got %+v", first)
	}
}

func TestParseRawFirstCookieWins(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 200 OK",
		"Set-Cookie: a=1,b=2",
		"Set-Cookie: a=3",
		"",
	))
	if res.Cookies["a"] != "1" || res.Cookies["b"] != "2" {
		t.Fatalf("unexpected cookies: %v", res.Cookies)
	}
}

func TestParseRawLastHeaderWins(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 200 OK",
		"X-Dup: first",
		"X-Dup: second",
		"",
	))
	if got := res.Header("X-Dup"); got != "second" {
		t.Fatalf("expected second, got %q", got)
	}
}

func TestParseRawHeadersOnly(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 200 OK",
		"Content-Type: application/json",
	))
	if res.DecodeErr != nil {
		t.Fatalf("expected no decode error, got %v", res.DecodeErr)
	}
	if res.Decoded != "" {
		t.Fatalf("expected empty decoded body, got %#v", res.Decoded)
	}
}

func TestParseRawSkipsContinue(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 100 Continue",
		"",
		"HTTP/1.1 406 Not Acceptable",
		"Content-Type: application/json; charset=utf-8",
		"",
		`["x"]`,
	))
	if res.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("expected 406, got %d", res.StatusCode)
	}
	if res.Format != FormatJSON {
		t.Fatalf("expected 406 body to be decoded")
	}
}

func TestParseRawNoDecodeOnError(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 403 Forbidden",
		"Content-Type: application/json",
		"",
		`["Access denied"]`,
	))
	if res.Decoded != nil {
		t.Fatalf("expected no decoded body for 403, got %#v", res.Decoded)
	}
	if string(res.Body) != `["Access denied"]`+"\r\n" {
		t.Fatalf("expected raw body to be kept, got %q", res.Body)
	}
}

func TestParseRawMalformedJSON(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 200 OK",
		"Content-Type: application/json",
		"",
		`{"uid":`,
	))
	if res.DecodeErr == nil {
		t.Fatalf("expected decode error")
	}
	if res.Decoded != nil {
		t.Fatalf("expected body to stay undecoded")
	}
}

func TestParseRawUnknownType(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 200 OK",
		"Content-Type: text/plain",
		"",
		"token-value",
	))
	if res.Decoded != nil || res.Format != FormatNone {
		t.Fatalf("expected text/plain to stay undecoded")
	}
}

func TestParseRawXML(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 200 OK",
		"Content-Type: application/xml",
		"",
		`<?xml version="1.0"?><result><uid>42</uid><name>alice</name>`+
			`<field_city><und is_array="true"><item><value>Paris</value></item></und></field_city></result>`,
	))
	if res.Format != FormatXML {
		t.Fatalf("expected xml format, got %s", res.Format)
	}
	obj, ok := res.Value().(map[string]any)
	if !ok {
		t.Fatalf("expected object, got %T", res.Value())
	}
	if obj["uid"] != "42" {
		t.Fatalf("expected uid 42, got %v", obj["uid"])
	}
	city := obj["field_city"].(map[string]any)
	list, ok := city["und"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected und list, got %#v", city["und"])
	}
	if list[0].(map[string]any)["value"] != "Paris" {
		t.Fatalf("unexpected item: %#v", list[0])
	}
}

func TestParseRawXMLEmptyArray(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 200 OK",
		"Content-Type: application/xml",
		"",
		`<?xml version="1.0"?><result is_array="true"></result>`,
	))
	list, ok := res.Value().([]any)
	if !ok || len(list) != 0 {
		t.Fatalf("expected empty list, got %#v", res.Value())
	}
}

func TestParseRawSerialized(t *testing.T) {
	res := ParseRaw(raw(
		"HTTP/1.1 200 OK",
		"Content-Type: application/vnd.php.serialized",
		"",
		`a:2:{s:3:"uid";i:42;s:4:"name";s:5:"alice";}`,
	))
	if res.Format != FormatSerialized {
		t.Fatalf("expected serialized format, got %s (err %v)", res.Format, res.DecodeErr)
	}
	obj := res.Value().(map[string]any)
	if obj["name"] != "alice" || fmt.Sprint(obj["uid"]) != "42" {
		t.Fatalf("unexpected decoded body: %#v", obj)
	}
}

func TestFromHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "SESS1", Value: "v1", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "SESS2", Value: "v2", Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"csrf_token":"abc"}`))
	}))
	defer srv.Close()

	res := FromHTTP(http.Get(srv.URL))
	if !res.OK() {
		t.Fatalf("expected ok response, got %d %s", res.StatusCode, res.TransportErr)
	}
	if res.Cookies["SESS1"] != "v1" || res.Cookies["SESS2"] != "v2" {
		t.Fatalf("unexpected cookies: %v", res.Cookies)
	}
	if res.Value().(map[string]any)["csrf_token"] != "abc" {
		t.Fatalf("unexpected body: %#v", res.Value())
	}
}

func TestFromHTTPTransportError(t *testing.T) {
	res := FromHTTP(nil, errors.New("dial tcp: connection refused"))
	if res.OK() {
		t.Fatalf("expected transport failure")
	}
	if res.TransportErr == "" {
		t.Fatalf("expected transport error text")
	}
}
