package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// Event is one recorded reconciliation or SSO outcome.
type Event struct {
	ID           string          `json:"id" db:"id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	RunID        string          `json:"run_id,omitempty" db:"run_id"`
	ActorType    string          `json:"actor_type" db:"actor_type"` // system, user, admin
	Action       string          `json:"action" db:"action"`
	ResourceType string          `json:"resource_type" db:"resource_type"`
	ResourceID   *string         `json:"resource_id,omitempty" db:"resource_id"`
	ResourceName *string         `json:"resource_name,omitempty" db:"resource_name"`
	Details      json.RawMessage `json:"details,omitempty" db:"details"`
	Outcome      string          `json:"outcome" db:"outcome"` // success, failure, skipped
}

// QueryParams filters audit queries.
type QueryParams struct {
	RunID        *string
	Action       *string
	ResourceType *string
	ResourceID   *string
	Outcome      *string
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}

// Store defines audit log storage operations.
type Store interface {
	Log(ctx context.Context, e Event) (string, error)
	Query(ctx context.Context, params QueryParams) ([]Event, int, error)
	GetEvent(ctx context.Context, id string) (Event, error)
}

type store struct {
	db *sqlx.DB
}

// NewStore creates a Postgres-backed audit store.
func NewStore(db *sqlx.DB) Store {
	return &store{db: db}
}

func (s *store) Log(ctx context.Context, e Event) (string, error) {
	var id string
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO audit_logs (run_id, actor_type, action, resource_type, resource_id, resource_name, details, outcome)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		e.RunID, e.ActorType, e.Action, e.ResourceType, e.ResourceID, e.ResourceName, e.Details, e.Outcome,
	).Scan(&id)
	return id, err
}

func (s *store) Query(ctx context.Context, params QueryParams) ([]Event, int, error) {
	where := ` WHERE 1 = 1`
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where += ` AND ` + clause + ` $` + strconv.Itoa(len(args))
	}

	if params.RunID != nil {
		add("run_id =", *params.RunID)
	}
	if params.Action != nil {
		add("action =", *params.Action)
	}
	if params.ResourceType != nil {
		add("resource_type =", *params.ResourceType)
	}
	if params.ResourceID != nil {
		add("resource_id =", *params.ResourceID)
	}
	if params.Outcome != nil {
		add("outcome =", *params.Outcome)
	}
	if params.StartTime != nil {
		add("timestamp >=", *params.StartTime)
	}
	if params.EndTime != nil {
		add("timestamp <=", *params.EndTime)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_logs`+where, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT * FROM audit_logs` + where + ` ORDER BY timestamp DESC`
	if params.Limit > 0 {
		args = append(args, params.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if params.Offset > 0 {
		args = append(args, params.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	var events []Event
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (s *store) GetEvent(ctx context.Context, id string) (Event, error) {
	var e Event
	err := s.db.GetContext(ctx, &e, `SELECT * FROM audit_logs WHERE id = $1`, id)
	return e, err
}
