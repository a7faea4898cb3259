package remote

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const (
	testUser     = "svc"
	testPassword = "secret"
	v1Cookie     = "SESSabc"
	v1Session    = "sid-42"
	v2Cookie     = "SSESSxyz"
	v2Session    = "sid-v2"
)

// fakeRemote serves both API generations for a single account (uid 42).
type fakeRemote struct {
	srv          *httptest.Server
	hits         atomic.Int64
	logoutStatus int
	lastCSRF     atomic.Value
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{logoutStatus: http.StatusOK}
	mux := http.NewServeMux()

	// v1
	mux.HandleFunc("POST /moodlesso/user/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"token": "csrf-v1"})
	})
	mux.HandleFunc("POST /moodlesso/user/login", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("name") != testUser || r.PostForm.Get("pass") != testPassword {
			writeJSON(w, http.StatusUnauthorized, []string{"Wrong username or password."})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessid": v1Session, "session_name": v1Cookie})
	})
	mux.HandleFunc("POST /moodlesso/system/connect", func(w http.ResponseWriter, r *http.Request) {
		f.lastCSRF.Store(r.Header.Get("X-CSRF-Token"))
		if c, err := r.Cookie(v1Cookie); err != nil || c.Value != v1Session {
			writeJSON(w, http.StatusForbidden, []string{"Access denied"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessid": v1Session, "user": v1User()})
	})
	mux.HandleFunc("POST /moodlesso/user/logout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, f.logoutStatus, []bool{true})
	})
	mux.HandleFunc("GET /moodlesso/user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{map[string]any{"uid": "42", "name": "alice", "mail": "alice@example.com", "vid": "7"}})
	})
	mux.HandleFunc("GET /moodlesso/user/42", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, v1User())
	})
	mux.HandleFunc("PUT /moodlesso/user/42", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"uid": "42"})
	})

	// v2
	mux.HandleFunc("GET /session/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("csrf-v2"))
	})
	mux.HandleFunc("POST /user/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["name"] != testUser || body["pass"] != testPassword {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Sorry, unrecognized username or password."})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: v2Cookie, Value: v2Session, Path: "/", HttpOnly: true})
		writeJSON(w, http.StatusOK, map[string]any{
			"current_user": map[string]any{"uid": "42", "name": testUser},
			"csrf_token":   "csrf-login",
			"logout_token": "logout-1",
		})
	})
	mux.HandleFunc("GET /system/connect", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(v2Cookie); err != nil || c.Value != v2Session {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "denied"})
			return
		}
		writeJSON(w, http.StatusOK, []any{v2User()})
	})
	mux.HandleFunc("POST /user/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "logout-1" {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "bad token"})
			return
		}
		writeJSON(w, f.logoutStatus, nil)
	})
	mux.HandleFunc("GET /entity/index/user", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("_format") != "json" {
			writeJSON(w, http.StatusNotAcceptable, nil)
			return
		}
		writeJSON(w, http.StatusOK, []any{v2User()})
	})

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) client(t *testing.T, version int, inbound *SessionCookie) *Client {
	t.Helper()
	c, err := New(Config{HostURI: f.srv.URL, EndpointPath: "/moodlesso", APIVersion: version}, inbound, WithHTTPClient(f.srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func v1User() map[string]any {
	return map[string]any{
		"uid":     "42",
		"name":    "alice",
		"mail":    "alice@example.com",
		"status":  "1",
		"field_x": map[string]any{"und": []any{map[string]any{"value": "value"}}},
	}
}

func v2User() map[string]any {
	return map[string]any{
		"uid":    []any{map[string]any{"value": 42}},
		"name":   []any{map[string]any{"value": "alice"}},
		"mail":   []any{map[string]any{"value": "alice@example.com"}},
		"status": []any{map[string]any{"value": true}},
		"roles":  []any{map[string]any{"target_id": "authenticated"}},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}
