// Package events delivers signed webhook notifications about sync runs.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dhawalhost/wardbridge/internal/bulksync"
)

// Event types.
const (
	TypeSyncCompleted = "sync.completed"
	TypeSyncAborted   = "sync.aborted"
)

// Webhook is a configured event listener.
type Webhook struct {
	URL    string `yaml:"url" validate:"required,url"`
	Secret string `yaml:"secret"`
	// Events filters the delivered types; empty means all.
	Events []string `yaml:"events"`
}

func (w Webhook) wants(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Event represents a bridge event.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Signature returns the value of the X-Wardbridge-Signature header for payload.
func Signature(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatcher handles event publication.
type Dispatcher struct {
	hooks      []Webhook
	logger     *zap.Logger
	httpClient *http.Client
	wg         sync.WaitGroup
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(hooks []Webhook, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		hooks:      hooks,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish delivers event to every interested webhook in the background.
func (d *Dispatcher) Publish(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var payload []byte
	for _, hook := range d.hooks {
		if !hook.wants(event.Type) {
			continue
		}
		if payload == nil {
			var err error
			if payload, err = json.Marshal(event); err != nil {
				d.logger.Error("Failed to marshal event payload", zap.Error(err))
				return
			}
		}
		d.wg.Add(1)
		go func(hook Webhook) {
			defer d.wg.Done()
			d.send(context.WithoutCancel(ctx), hook, payload, event)
		}(hook)
	}
}

// RunFinished publishes the outcome of a sync run.
func (d *Dispatcher) RunFinished(ctx context.Context, report *bulksync.Report) {
	t := TypeSyncCompleted
	if report.Error != "" {
		t = TypeSyncAborted
	}
	summary := *report
	summary.Entries = nil
	d.Publish(ctx, Event{Type: t, Payload: summary, Timestamp: report.FinishedAt})
}

// Wait blocks until every pending delivery is done.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, hook Webhook, payload []byte, event Event) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Error("Failed to create webhook request", zap.Error(err))
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wardbridge-Event", event.Type)
	req.Header.Set("X-Wardbridge-Event-ID", event.ID)
	if hook.Secret != "" {
		req.Header.Set("X-Wardbridge-Signature", Signature(hook.Secret, payload))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Error("Webhook delivery failed", zap.String("url", hook.URL), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Warn("Webhook received non-2xx response",
			zap.String("url", hook.URL),
			zap.Int("status", resp.StatusCode))
	} else {
		d.logger.Debug("Webhook delivered", zap.String("url", hook.URL), zap.String("event", event.Type))
	}
}
