package bulksync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/wardbridge/internal/audit"
	"github.com/dhawalhost/wardbridge/internal/groupsync"
	"github.com/dhawalhost/wardbridge/internal/identity"
	"github.com/dhawalhost/wardbridge/internal/mapping"
	"github.com/dhawalhost/wardbridge/internal/reconcile"
	"github.com/dhawalhost/wardbridge/internal/remote"
	"github.com/dhawalhost/wardbridge/internal/store"
)

type remoteUser struct {
	uid, name, mail, status, vid, city string
}

// fakeServices is a v1 services endpoint with a fixed user list.
type fakeServices struct {
	srv         *httptest.Server
	users       []remoteUser
	indexStatus int
	// indexHTML and viewHTML replace the JSON bodies with a 200 HTML page.
	indexHTML string
	viewHTML  string
	logouts     atomic.Int64
	lastVid     atomic.Value
}

func newFakeServices(t *testing.T, users ...remoteUser) *fakeServices {
	t.Helper()
	f := &fakeServices{users: users, indexStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /svc/user/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token": "csrf"})
	})
	mux.HandleFunc("POST /svc/user/login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("name") != "svc" || r.PostForm.Get("pass") != "secret" {
			writeJSON(w, http.StatusUnauthorized, []string{"Wrong username or password."})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"sessid": "sid", "session_name": "SESS1"})
	})
	mux.HandleFunc("POST /svc/user/logout", func(w http.ResponseWriter, r *http.Request) {
		f.logouts.Add(1)
		writeJSON(w, http.StatusOK, []bool{true})
	})
	mux.HandleFunc("GET /svc/user", func(w http.ResponseWriter, r *http.Request) {
		if f.indexStatus != http.StatusOK {
			writeJSON(w, f.indexStatus, []string{"error"})
			return
		}
		if f.indexHTML != "" {
			writeHTML(w, f.indexHTML)
			return
		}
		q := r.URL.Query()
		f.lastVid.Store(q.Get("vid"))
		since, _ := strconv.Atoi(q.Get("vid"))
		entries := []any{}
		if q.Get("page") == "0" {
			for _, u := range f.users {
				if vid, _ := strconv.Atoi(u.vid); vid > since {
					entries = append(entries, map[string]any{"uid": u.uid, "name": u.name, "mail": u.mail, "vid": u.vid, "status": u.status})
				}
			}
		}
		writeJSON(w, http.StatusOK, entries)
	})
	mux.HandleFunc("GET /svc/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		for _, u := range f.users {
			if u.uid == r.PathValue("uid") && u.status == "1" {
				writeJSON(w, http.StatusOK, map[string]any{
					"uid":     u.uid,
					"name":    u.name,
					"status":  u.status,
					"field_x": map[string]any{"und": []any{map[string]any{"value": u.city}}},
				})
				return
			}
		}
		writeJSON(w, http.StatusForbidden, []string{"Access denied"})
	})
	mux.HandleFunc("GET /svc/cohorts", func(w http.ResponseWriter, r *http.Request) {
		if f.viewHTML != "" {
			writeHTML(w, f.viewHTML)
			return
		}
		writeJSON(w, http.StatusOK, []any{
			map[string]any{"cohort_name": "Staff", "cohort_id": "1", "cohort_description": "", "uid": "42"},
			map[string]any{"cohort_name": "Students", "cohort_id": "2", "cohort_description": "", "uid": "43"},
		})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func (f *fakeServices) dial() (Session, error) {
	return remote.New(remote.Config{
		HostURI:       f.srv.URL,
		EndpointPath:  "/svc",
		APIVersion:    1,
		Timeout:       5 * time.Second,
		ResourceTypes: []string{"user", "cohorts"},
	}, nil)
}

type fixture struct {
	runner *Runner
	store  *store.Memory
	audit  audit.Service
}

func newFixture(t *testing.T, f *fakeServices, opts Options) fixture {
	t.Helper()
	st := store.NewMemory()
	mapper := mapping.New(mapping.Config{Fields: map[string]string{"city": "field_x", "email": "mail"}})
	users := reconcile.New(st, mapper, reconcile.Options{}, zap.NewNop())
	groups := groupsync.New(st, "", zap.NewNop())
	auditSvc := audit.NewService(audit.NewMemoryStore())
	if opts.ServiceUser == "" {
		opts.ServiceUser, opts.ServicePassword = "svc", "secret"
	}
	return fixture{
		runner: New(f.dial, st, users, groups, auditSvc, nil, opts, zap.NewNop()),
		store:  st,
		audit:  auditSvc,
	}
}

func TestRunReconcilesUsersAndGroups(t *testing.T) {
	f := newFakeServices(t,
		remoteUser{uid: "42", name: "alice", mail: "alice@example.com", status: "1", vid: "5", city: "Lyon"},
		remoteUser{uid: "43", name: "bob", mail: "bob@example.com", status: "0", vid: "9"},
		remoteUser{uid: "1", name: "admin", status: "1", vid: "3"},
		remoteUser{uid: "0", name: "", status: "0", vid: "2"},
	)
	fx := newFixture(t, f, Options{GroupSync: true, GroupView: "cohorts", CallLogout: true})

	var progress []Entry
	report, err := fx.runner.Run(context.Background(), RunOptions{Progress: func(e Entry) { progress = append(progress, e) }})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Total != 4 || report.Created != 2 || report.Skipped != 2 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(progress) != 4 {
		t.Fatalf("expected 4 progress lines, got %d", len(progress))
	}

	users := fx.store.Users()
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	alice, bob := users[0], users[1]
	if alice.Username != "alice" || alice.City != "Lyon" || alice.Email != "alice@example.com" || alice.Suspended {
		t.Fatalf("unexpected alice %+v", alice)
	}
	if bob.Username != "bob" || !bob.Suspended || bob.Confirmed {
		t.Fatalf("expected bob to be suspended, got %+v", bob)
	}

	ctx := context.Background()
	if cp, _ := fx.store.Checkpoint(ctx, CheckpointKey); cp != "9" {
		t.Fatalf("expected checkpoint 9, got %q", cp)
	}
	groups, _ := fx.store.GroupsByComponent(ctx, groupsync.DefaultComponent)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if report.Groups == nil || report.Groups.Added != 2 {
		t.Fatalf("expected 2 memberships added, got %+v", report.Groups)
	}
	if f.logouts.Load() != 1 {
		t.Fatalf("expected service logout, got %d", f.logouts.Load())
	}

	action := audit.ActionUserCreated
	events, total, err := fx.audit.Query(ctx, audit.QueryParams{RunID: &report.RunID, Action: &action})
	if err != nil || total != 2 || len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d (%v)", total, err)
	}
	if fx.runner.Last() != report {
		t.Fatalf("expected last report to be recorded")
	}
}

func TestRunUsesCheckpoint(t *testing.T) {
	f := newFakeServices(t, remoteUser{uid: "42", name: "alice", status: "1", vid: "5", city: "Lyon"})
	fx := newFixture(t, f, Options{})
	ctx := context.Background()

	if _, err := fx.runner.Run(ctx, RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := fx.runner.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Total != 0 || f.lastVid.Load() != "5" {
		t.Fatalf("expected incremental run from vid 5, got total=%d vid=%v", report.Total, f.lastVid.Load())
	}

	report, err = fx.runner.Run(ctx, RunOptions{ForceAll: true})
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if report.Total != 1 || report.Unchanged != 1 || f.lastVid.Load() != "0" {
		t.Fatalf("expected forced full run, got %+v vid=%v", report, f.lastVid.Load())
	}
}

func TestRunAbortsOnServiceLogin(t *testing.T) {
	f := newFakeServices(t, remoteUser{uid: "42", name: "alice", status: "1", vid: "5"})
	fx := newFixture(t, f, Options{ServiceUser: "svc", ServicePassword: "wrong"})

	report, err := fx.runner.Run(context.Background(), RunOptions{})
	if !errors.Is(err, ErrServiceLogin) {
		t.Fatalf("expected service login error, got %v", err)
	}
	if report.Error == "" || report.Total != 0 {
		t.Fatalf("expected aborted report, got %+v", report)
	}
	if len(fx.store.Users()) != 0 {
		t.Fatalf("expected no users to be touched")
	}
}

func TestRunAbortsOnIndexFailure(t *testing.T) {
	f := newFakeServices(t)
	f.indexStatus = http.StatusInternalServerError
	fx := newFixture(t, f, Options{})

	if _, err := fx.runner.Run(context.Background(), RunOptions{}); !errors.Is(err, ErrIndexFetch) {
		t.Fatalf("expected index error, got %v", err)
	}
	if cp, _ := fx.store.Checkpoint(context.Background(), CheckpointKey); cp != "" {
		t.Fatalf("expected no checkpoint, got %q", cp)
	}
}

func TestRunAbortsOnUndecodableIndex(t *testing.T) {
	f := newFakeServices(t, remoteUser{uid: "42", name: "alice", status: "1", vid: "5"})
	f.indexHTML = "<html><body>Site under maintenance</body></html>"
	fx := newFixture(t, f, Options{})

	report, err := fx.runner.Run(context.Background(), RunOptions{})
	if !errors.Is(err, ErrIndexFetch) {
		t.Fatalf("expected index error, got %v", err)
	}
	if report.Error == "" {
		t.Fatalf("expected aborted report, got %+v", report)
	}
	if cp, _ := fx.store.Checkpoint(context.Background(), CheckpointKey); cp != "" {
		t.Fatalf("expected no checkpoint, got %q", cp)
	}
	action := audit.ActionSyncCompleted
	if _, total, _ := fx.audit.Query(context.Background(), audit.QueryParams{Action: &action}); total != 0 {
		t.Fatalf("expected no completed run, got %d", total)
	}
}

func TestRunAcceptsEmptyIndex(t *testing.T) {
	f := newFakeServices(t)
	fx := newFixture(t, f, Options{})

	report, err := fx.runner.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("expected empty index to succeed, got %v", err)
	}
	if report.Total != 0 || report.Error != "" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunKeepsGroupsOnUndecodableView(t *testing.T) {
	f := newFakeServices(t, remoteUser{uid: "42", name: "alice", status: "1", vid: "5", city: "Lyon"})
	f.viewHTML = "<html><body>Site under maintenance</body></html>"
	fx := newFixture(t, f, Options{GroupSync: true, GroupView: "cohorts"})
	ctx := context.Background()

	staff, err := fx.store.CreateGroup(ctx, identity.Group{Name: "Staff", IDNumber: "Staff", Component: groupsync.DefaultComponent})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	report, err := fx.runner.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.GroupError == "" {
		t.Fatalf("expected group error, got %+v", report)
	}
	if report.Groups != nil {
		t.Fatalf("expected group sync to be skipped, got %+v", report.Groups)
	}
	groups, _ := fx.store.GroupsByComponent(ctx, groupsync.DefaultComponent)
	if len(groups) != 1 || groups[0].ID != staff {
		t.Fatalf("expected tagged group to survive, got %+v", groups)
	}
}

func TestRunRejectsOverlap(t *testing.T) {
	f := newFakeServices(t)
	fx := newFixture(t, f, Options{})

	fx.runner.running.Lock()
	defer fx.runner.running.Unlock()
	if !fx.runner.Running() {
		t.Fatalf("expected runner to report running")
	}
	if _, err := fx.runner.Run(context.Background(), RunOptions{}); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected in-progress error, got %v", err)
	}
}

func TestLaterRevision(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"10", "9", true},
		{"9", "10", false},
		{"", "1", false},
		{"b", "a", true},
	}
	for _, tc := range cases {
		if got := laterRevision(tc.a, tc.b); got != tc.want {
			t.Fatalf("laterRevision(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
