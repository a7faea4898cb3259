package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/wardbridge/internal/bulksync"
)

type received struct {
	eventType string
	signature string
	body      []byte
}

func newReceiver(t *testing.T) (*httptest.Server, func() []received) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{
			eventType: r.Header.Get("X-Wardbridge-Event"),
			signature: r.Header.Get("X-Wardbridge-Signature"),
			body:      body,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func TestRunFinishedDeliversSignedSummary(t *testing.T) {
	srv, got := newReceiver(t)
	d := NewDispatcher([]Webhook{{URL: srv.URL, Secret: "s3cret"}}, zap.NewNop())

	d.RunFinished(context.Background(), &bulksync.Report{
		RunID:      "run-1",
		FinishedAt: time.Now().UTC(),
		Total:      2,
		Created:    2,
		Entries:    []bulksync.Entry{{ExternalID: "1", Name: "a", Action: "created"}},
	})
	d.Wait()

	calls := got()
	if len(calls) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(calls))
	}
	if calls[0].eventType != TypeSyncCompleted {
		t.Fatalf("expected %s, got %s", TypeSyncCompleted, calls[0].eventType)
	}
	if calls[0].signature != Signature("s3cret", calls[0].body) {
		t.Fatalf("signature mismatch")
	}

	var ev struct {
		Type    string          `json:"type"`
		Payload bulksync.Report `json:"payload"`
	}
	if err := json.Unmarshal(calls[0].body, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Payload.RunID != "run-1" || ev.Payload.Created != 2 {
		t.Fatalf("unexpected payload %+v", ev.Payload)
	}
	if len(ev.Payload.Entries) != 0 {
		t.Fatalf("expected per-user entries to be omitted, got %d", len(ev.Payload.Entries))
	}
}

func TestPublishFiltersByEventType(t *testing.T) {
	srv, got := newReceiver(t)
	d := NewDispatcher([]Webhook{{URL: srv.URL, Events: []string{TypeSyncAborted}}}, zap.NewNop())

	d.RunFinished(context.Background(), &bulksync.Report{RunID: "ok"})
	d.Wait()
	if n := len(got()); n != 0 {
		t.Fatalf("expected completed run to be filtered, got %d deliveries", n)
	}

	d.RunFinished(context.Background(), &bulksync.Report{RunID: "bad", Error: "service login failed"})
	d.Wait()
	calls := got()
	if len(calls) != 1 || calls[0].eventType != TypeSyncAborted {
		t.Fatalf("expected one aborted delivery, got %+v", calls)
	}
	if calls[0].signature != "" {
		t.Fatalf("expected no signature without a secret")
	}
}
