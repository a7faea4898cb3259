// Package store persists local identities, custom field values, component
// groups and sync checkpoints.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jmoiron/sqlx"

	"github.com/dhawalhost/wardbridge/internal/identity"
)

const customFieldsKey = "all"

// Postgres is the sqlx-backed store.
type Postgres struct {
	db     *sqlx.DB
	fields *lru.LRU[string, []identity.CustomField]
}

// NewPostgres returns a store over db. Custom field definitions are cached
// for fieldTTL; zero disables expiry.
func NewPostgres(db *sqlx.DB, fieldTTL time.Duration) *Postgres {
	return &Postgres{
		db:     db,
		fields: lru.NewLRU[string, []identity.CustomField](1, nil, fieldTTL),
	}
}

// Ping checks the connection.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return identity.ErrNotFound
	}
	return err
}

const userColumns = `id, idnumber, username, auth_method, host_id, firstname, lastname, email, city, country,
	lang, description, url, institution, department, phone1, phone2, address, confirmed, suspended, deleted, modified`

// UserByIDNumber returns the user joined to a remote id.
func (s *Postgres) UserByIDNumber(ctx context.Context, hostID int, idnumber string) (*identity.LocalUser, error) {
	var u identity.LocalUser
	err := s.db.GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE idnumber = $1 AND host_id = $2`, idnumber, hostID)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// UserByUsername returns a user by username.
func (s *Postgres) UserByUsername(ctx context.Context, hostID int, username string) (*identity.LocalUser, error) {
	var u identity.LocalUser
	err := s.db.GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE username = $1 AND host_id = $2`, username, hostID)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// UserByID returns a user by local id.
func (s *Postgres) UserByID(ctx context.Context, id int64) (*identity.LocalUser, error) {
	var u identity.LocalUser
	if err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// InsertUser stores a new user and returns its id.
func (s *Postgres) InsertUser(ctx context.Context, u *identity.LocalUser) (int64, error) {
	rows, err := sqlx.NamedQueryContext(ctx, s.db,
		`INSERT INTO users (idnumber, username, auth_method, host_id, firstname, lastname, email, city, country,
			lang, description, url, institution, department, phone1, phone2, address, confirmed, suspended, deleted, modified)
		 VALUES (:idnumber, :username, :auth_method, :host_id, :firstname, :lastname, :email, :city, :country,
			:lang, :description, :url, :institution, :department, :phone1, :phone2, :address, :confirmed, :suspended, :deleted, :modified)
		 RETURNING id`, u)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	defer rows.Close()
	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("insert user: %w", err)
		}
	}
	return id, rows.Err()
}

// UpdateUser replaces a stored user.
func (s *Postgres) UpdateUser(ctx context.Context, u *identity.LocalUser) error {
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE users SET idnumber = :idnumber, username = :username, auth_method = :auth_method, host_id = :host_id,
			firstname = :firstname, lastname = :lastname, email = :email, city = :city, country = :country,
			lang = :lang, description = :description, url = :url, institution = :institution,
			department = :department, phone1 = :phone1, phone2 = :phone2, address = :address,
			confirmed = :confirmed, suspended = :suspended, deleted = :deleted, modified = :modified
		 WHERE id = :id`, u)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// CustomFields lists the custom field definitions.
func (s *Postgres) CustomFields(ctx context.Context) ([]identity.CustomField, error) {
	if fields, ok := s.fields.Get(customFieldsKey); ok {
		return fields, nil
	}
	var fields []identity.CustomField
	if err := s.db.SelectContext(ctx, &fields, `SELECT id, shortname, name FROM custom_fields ORDER BY id`); err != nil {
		return nil, err
	}
	s.fields.Add(customFieldsKey, fields)
	return fields, nil
}

// CustomValue returns one user's value for a custom field.
func (s *Postgres) CustomValue(ctx context.Context, userID, fieldID int64) (*identity.CustomValue, error) {
	var v identity.CustomValue
	err := s.db.GetContext(ctx, &v,
		`SELECT id, user_id, field_id, data FROM custom_field_values WHERE user_id = $1 AND field_id = $2`, userID, fieldID)
	if err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

// InsertCustomValue stores a new custom field value.
func (s *Postgres) InsertCustomValue(ctx context.Context, v identity.CustomValue) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_field_values (user_id, field_id, data) VALUES ($1, $2, $3)`, v.UserID, v.FieldID, v.Data)
	return err
}

// UpdateCustomValue replaces a custom field value.
func (s *Postgres) UpdateCustomValue(ctx context.Context, v identity.CustomValue) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE custom_field_values SET data = $1 WHERE user_id = $2 AND field_id = $3`, v.Data, v.UserID, v.FieldID)
	return err
}

// GroupsByComponent lists the groups owned by component.
func (s *Postgres) GroupsByComponent(ctx context.Context, component string) ([]identity.Group, error) {
	var groups []identity.Group
	err := s.db.SelectContext(ctx, &groups,
		`SELECT id, name, idnumber, description, component FROM groups WHERE component = $1 ORDER BY name`, component)
	return groups, err
}

// CreateGroup stores a group and returns its id.
func (s *Postgres) CreateGroup(ctx context.Context, g identity.Group) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO groups (name, idnumber, description, component) VALUES ($1, $2, $3, $4) RETURNING id`,
		g.Name, g.IDNumber, g.Description, g.Component,
	).Scan(&id)
	return id, err
}

// DeleteGroup removes a group and its memberships.
func (s *Postgres) DeleteGroup(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// UserGroups lists the groups of component that userID belongs to.
func (s *Postgres) UserGroups(ctx context.Context, userID int64, component string) ([]identity.Group, error) {
	var groups []identity.Group
	err := s.db.SelectContext(ctx, &groups,
		`SELECT g.id, g.name, g.idnumber, g.description, g.component
		 FROM groups g JOIN group_members m ON m.group_id = g.id
		 WHERE m.user_id = $1 AND g.component = $2 ORDER BY g.name`, userID, component)
	return groups, err
}

// AddMember adds userID to a group. Adding an existing member is a no-op.
func (s *Postgres) AddMember(ctx context.Context, groupID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, groupID, userID)
	return err
}

// RemoveMember removes userID from a group.
func (s *Postgres) RemoveMember(ctx context.Context, groupID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	return err
}

// Checkpoint returns a stored sync checkpoint, or "" when none is stored.
func (s *Postgres) Checkpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM sync_state WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SaveCheckpoint stores a sync checkpoint.
func (s *Postgres) SaveCheckpoint(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	return err
}
