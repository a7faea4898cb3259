// Package reconcile converges local user records toward remote identity records.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dhawalhost/wardbridge/internal/identity"
	"github.com/dhawalhost/wardbridge/internal/mapping"
	"go.uber.org/zap"
)

var (
	// ErrReservedIdentity is returned for records naming a reserved local account.
	ErrReservedIdentity = errors.New("reserved identity")
	// ErrAnonymous is returned for records without a positive remote id.
	ErrAnonymous = errors.New("anonymous remote record")
	// ErrIncomplete is returned when a record has no name to use as username.
	ErrIncomplete = errors.New("remote record has no name")
)

// Action describes what CreateOrUpdate did to the local record.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// Store is the local user CRUD the engine depends on.
type Store interface {
	UserByIDNumber(ctx context.Context, hostID int, idnumber string) (*identity.LocalUser, error)
	UserByUsername(ctx context.Context, hostID int, username string) (*identity.LocalUser, error)
	InsertUser(ctx context.Context, u *identity.LocalUser) (int64, error)
	UpdateUser(ctx context.Context, u *identity.LocalUser) error
	CustomFields(ctx context.Context) ([]identity.CustomField, error)
	CustomValue(ctx context.Context, userID, fieldID int64) (*identity.CustomValue, error)
	InsertCustomValue(ctx context.Context, v identity.CustomValue) error
	UpdateCustomValue(ctx context.Context, v identity.CustomValue) error
}

// Options are the fixed values applied to every reconciled user.
type Options struct {
	AuthMethod         string
	Lang               string
	HostID             int
	ReservedNames      []string
	CityPlaceholder    string
	CountryPlaceholder string
	// UsernameFallback matches an unjoined local user by username when no
	// user carries the remote id yet.
	UsernameFallback bool
	Now              func() time.Time
}

// Result is the outcome of one CreateOrUpdate call.
type Result struct {
	User   *identity.LocalUser
	Action Action
}

// Engine reconciles remote records into the local store.
type Engine struct {
	store    Store
	mapper   *mapping.Mapper
	opts     Options
	reserved map[string]bool
	logger   *zap.Logger
}

// New creates an Engine. Unset options get the bridge defaults.
func New(store Store, mapper *mapping.Mapper, opts Options, logger *zap.Logger) *Engine {
	if opts.AuthMethod == "" {
		opts.AuthMethod = "remotesso"
	}
	if opts.Lang == "" {
		opts.Lang = "en"
	}
	if opts.CityPlaceholder == "" {
		opts.CityPlaceholder = "none"
	}
	if opts.CountryPlaceholder == "" {
		opts.CountryPlaceholder = "ZZ"
	}
	if len(opts.ReservedNames) == 0 {
		opts.ReservedNames = []string{"admin", "guest"}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reserved := make(map[string]bool, len(opts.ReservedNames))
	for _, n := range opts.ReservedNames {
		reserved[strings.ToLower(strings.TrimSpace(n))] = true
	}
	return &Engine{store: store, mapper: mapper, opts: opts, reserved: reserved, logger: logger}
}

// Reserved reports whether username names a reserved local account.
func (e *Engine) Reserved(username string) bool {
	return e.reserved[strings.ToLower(strings.TrimSpace(username))]
}

// CreateOrUpdate joins rec to a local user by idnumber and converges that user
// toward rec. Profile fields are only written for active records; blocked
// records update the account flags and leave stored profile data alone.
func (e *Engine) CreateOrUpdate(ctx context.Context, rec identity.RemoteRecord) (Result, error) {
	if rec.Anonymous() {
		return Result{}, ErrAnonymous
	}
	username := strings.TrimSpace(rec.Name)
	if username == "" {
		return Result{}, fmt.Errorf("uid %s: %w", rec.ExternalID, ErrIncomplete)
	}
	if e.Reserved(username) {
		return Result{}, fmt.Errorf("%s: %w", username, ErrReservedIdentity)
	}

	existing, err := e.lookup(ctx, rec.ExternalID, username)
	if err != nil {
		return Result{}, err
	}

	var user identity.LocalUser
	if existing != nil {
		user = *existing
	}
	// Mapped lang values override the site default below.
	user.Lang = e.opts.Lang
	user.AuthMethod = e.opts.AuthMethod
	user.HostID = e.opts.HostID

	if rec.Active {
		for _, field := range e.mapper.Fields() {
			value, ok := e.mapper.Field(rec, field)
			if !ok {
				continue
			}
			if !user.Set(field, value) {
				e.logger.Warn("Mapping targets unknown profile field", zap.String("field", field))
			}
		}
	}

	user.Username = username
	user.IDNumber = rec.ExternalID
	user.Confirmed = rec.Active
	user.Suspended = !rec.Active
	user.Deleted = false

	if user.City == "" {
		user.City = e.opts.CityPlaceholder
	}
	if user.Country == "" {
		user.Country = e.opts.CountryPlaceholder
	}
	user.Country = mapping.Normalize("country", user.Country)

	var action Action
	switch {
	case existing == nil:
		user.Modified = e.opts.Now().UTC()
		if _, err := e.store.InsertUser(ctx, &user); err != nil {
			return Result{}, fmt.Errorf("failed to insert user %s: %w", username, err)
		}
		stored, err := e.store.UserByUsername(ctx, e.opts.HostID, username)
		if err != nil {
			return Result{}, fmt.Errorf("failed to fetch inserted user %s: %w", username, err)
		}
		user = *stored
		action = ActionCreated
	case sameUser(*existing, user):
		action = ActionUnchanged
	default:
		user.Modified = e.opts.Now().UTC()
		if err := e.store.UpdateUser(ctx, &user); err != nil {
			return Result{}, fmt.Errorf("failed to update user %s: %w", username, err)
		}
		action = ActionUpdated
	}

	if rec.Active {
		changed, err := e.syncCustomFields(ctx, rec, user.ID)
		if err != nil {
			return Result{User: &user, Action: action}, err
		}
		if changed && action == ActionUnchanged {
			action = ActionUpdated
		}
	}

	return Result{User: &user, Action: action}, nil
}

func (e *Engine) lookup(ctx context.Context, idnumber, username string) (*identity.LocalUser, error) {
	u, err := e.store.UserByIDNumber(ctx, e.opts.HostID, idnumber)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up idnumber %s: %w", idnumber, err)
	}
	if !e.opts.UsernameFallback {
		return nil, nil
	}

	u, err = e.store.UserByUsername(ctx, e.opts.HostID, username)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up username %s: %w", username, err)
	case u.IDNumber != "" && u.IDNumber != idnumber:
		return nil, fmt.Errorf("username %s is joined to remote id %s", username, u.IDNumber)
	}
	return u, nil
}

// syncCustomFields upserts every mapped custom field and reports whether any
// stored value changed.
func (e *Engine) syncCustomFields(ctx context.Context, rec identity.RemoteRecord, userID int64) (bool, error) {
	if len(e.mapper.CustomFields()) == 0 {
		return false, nil
	}
	defs, err := e.store.CustomFields(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list custom fields: %w", err)
	}

	changed := false
	for _, def := range defs {
		value, ok := e.mapper.CustomField(rec, def)
		if !ok {
			continue
		}
		current, err := e.store.CustomValue(ctx, userID, def.ID)
		switch {
		case errors.Is(err, identity.ErrNotFound):
			err = e.store.InsertCustomValue(ctx, identity.CustomValue{UserID: userID, FieldID: def.ID, Data: value})
		case err != nil:
			return changed, fmt.Errorf("failed to read custom field %s: %w", def.ShortName, err)
		case current.Data == value:
			continue
		default:
			current.Data = value
			err = e.store.UpdateCustomValue(ctx, *current)
		}
		if err != nil {
			return changed, fmt.Errorf("failed to store custom field %s: %w", def.ShortName, err)
		}
		changed = true
	}
	return changed, nil
}

func sameUser(a, b identity.LocalUser) bool {
	a.Modified, b.Modified = time.Time{}, time.Time{}
	return a == b
}
