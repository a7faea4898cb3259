package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned by RunSummary for a run with no events.
var ErrRunNotFound = errors.New("sync run not found")

// Actions recorded by the bridge.
const (
	ActionSyncStarted       = "sync.started"
	ActionSyncCompleted     = "sync.completed"
	ActionSyncAborted       = "sync.aborted"
	ActionUserCreated       = "user.created"
	ActionUserUpdated       = "user.updated"
	ActionUserUnchanged     = "user.unchanged"
	ActionUserSkipped       = "user.skipped"
	ActionUserFailed        = "user.failed"
	ActionGroupCreated      = "group.created"
	ActionGroupDeleted      = "group.deleted"
	ActionMembershipAdded   = "membership.added"
	ActionMembershipRemoved = "membership.removed"
	ActionSSOLogin          = "sso.login"
	ActionSSOLogout         = "sso.logout"
)

// LogInput holds input for creating an audit log entry.
type LogInput struct {
	RunID        string
	ActorType    string
	Action       string
	ResourceType string
	ResourceID   string
	ResourceName string
	Details      interface{}
	Outcome      string
}

// Service defines audit service operations.
type Service interface {
	// Log creates an audit log entry.
	Log(ctx context.Context, input LogInput) error

	// Query retrieves audit logs with filtering.
	Query(ctx context.Context, params QueryParams) ([]Event, int, error)

	// Export retrieves all matching audit logs for export.
	Export(ctx context.Context, params QueryParams) ([]Event, error)

	GetEvent(ctx context.Context, id string) (Event, error)

	// RunSummary folds the events of one sync run.
	RunSummary(ctx context.Context, runID string) (RunSummary, error)
}

// RunSummary describes one sync run as seen through its audit events.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Status is running, completed or aborted.
	Status   string         `json:"status"`
	Actions  map[string]int `json:"actions"`
	Failures []Event        `json:"failures,omitempty"`
}

type service struct {
	store Store
}

// NewService creates a new audit service.
func NewService(store Store) Service {
	return &service{store: store}
}

func (s *service) Log(ctx context.Context, input LogInput) error {
	if input.Action == "" {
		return fmt.Errorf("action is required")
	}
	if input.ResourceType == "" {
		return fmt.Errorf("resource_type is required")
	}
	if input.ActorType == "" {
		input.ActorType = "system"
	}
	if input.Outcome == "" {
		input.Outcome = "success"
	}

	var details json.RawMessage
	if input.Details != nil {
		b, err := json.Marshal(input.Details)
		if err != nil {
			return fmt.Errorf("failed to serialize details: %w", err)
		}
		details = b
	}

	e := Event{
		RunID:        input.RunID,
		ActorType:    input.ActorType,
		Action:       input.Action,
		ResourceType: input.ResourceType,
		ResourceID:   optional(input.ResourceID),
		ResourceName: optional(input.ResourceName),
		Details:      details,
		Outcome:      input.Outcome,
	}

	_, err := s.store.Log(ctx, e)
	return err
}

func (s *service) Query(ctx context.Context, params QueryParams) ([]Event, int, error) {
	if params.Limit == 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	return s.store.Query(ctx, params)
}

func (s *service) Export(ctx context.Context, params QueryParams) ([]Event, error) {
	params.Limit = 10000
	params.Offset = 0
	events, _, err := s.store.Query(ctx, params)
	return events, err
}

func (s *service) GetEvent(ctx context.Context, id string) (Event, error) {
	return s.store.GetEvent(ctx, id)
}

func (s *service) RunSummary(ctx context.Context, runID string) (RunSummary, error) {
	events, err := s.Export(ctx, QueryParams{RunID: &runID})
	if err != nil {
		return RunSummary{}, err
	}
	if len(events) == 0 {
		return RunSummary{}, ErrRunNotFound
	}

	sum := RunSummary{RunID: runID, Status: "running", Actions: make(map[string]int)}
	for _, e := range events {
		sum.Actions[e.Action]++
		if sum.StartedAt.IsZero() || e.Timestamp.Before(sum.StartedAt) {
			sum.StartedAt = e.Timestamp
		}
		switch e.Action {
		case ActionSyncCompleted, ActionSyncAborted:
			t := e.Timestamp
			sum.FinishedAt = &t
			sum.Status = "completed"
			if e.Action == ActionSyncAborted {
				sum.Status = "aborted"
			}
		}
		if e.Outcome == "failure" {
			sum.Failures = append(sum.Failures, e)
		}
	}
	return sum, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
