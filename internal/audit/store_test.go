package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "postgres")), mock
}

func TestStoreLog(t *testing.T) {
	s, mock := newMockStore(t)
	name := "alice"

	mock.ExpectQuery("INSERT INTO audit_logs").
		WithArgs("run-1", "system", "user.created", "user", nil, "alice", sqlmock.AnyArg(), "success").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("evt-1"))

	id, err := s.Log(context.Background(), Event{
		RunID:        "run-1",
		ActorType:    "system",
		Action:       "user.created",
		ResourceType: "user",
		ResourceName: &name,
		Outcome:      "success",
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreQueryBuildsFilters(t *testing.T) {
	s, mock := newMockStore(t)
	run := "run-1"
	outcome := "failure"

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE 1 = 1 AND run_id = \$1 AND outcome = \$2`).
		WithArgs(run, outcome).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT \* FROM audit_logs WHERE 1 = 1 AND run_id = \$1 AND outcome = \$2 ORDER BY timestamp DESC LIMIT \$3`).
		WithArgs(run, outcome, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "timestamp", "run_id", "actor_type", "action", "resource_type",
			"resource_id", "resource_name", "details", "outcome",
		}).AddRow("evt-1", time.Now(), run, "system", "user.failed", "user", "42", "bob", []byte(`{}`), outcome))

	events, total, err := s.Query(context.Background(), QueryParams{RunID: &run, Outcome: &outcome, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, "user.failed", events[0].Action)
	require.NotNil(t, events[0].ResourceID)
	assert.Equal(t, "42", *events[0].ResourceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
