package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dhawalhost/wardbridge/internal/identity"
)

// Memory is an in-process store used for local development and tests.
type Memory struct {
	mu          sync.RWMutex
	users       map[int64]identity.LocalUser
	fields      []identity.CustomField
	values      map[[2]int64]identity.CustomValue
	groups      map[int64]identity.Group
	members     map[int64]map[int64]bool
	checkpoints map[string]string
	nextID      int64
}

// NewMemory returns an empty Memory store with the given custom field definitions.
func NewMemory(fields ...identity.CustomField) *Memory {
	return &Memory{
		users:       make(map[int64]identity.LocalUser),
		fields:      fields,
		values:      make(map[[2]int64]identity.CustomValue),
		groups:      make(map[int64]identity.Group),
		members:     make(map[int64]map[int64]bool),
		checkpoints: make(map[string]string),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) findUser(match func(identity.LocalUser) bool) (*identity.LocalUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			found := u
			return &found, nil
		}
	}
	return nil, identity.ErrNotFound
}

// UserByIDNumber returns the user joined to a remote id.
func (m *Memory) UserByIDNumber(_ context.Context, hostID int, idnumber string) (*identity.LocalUser, error) {
	return m.findUser(func(u identity.LocalUser) bool { return u.HostID == hostID && u.IDNumber == idnumber })
}

// UserByUsername returns a user by username.
func (m *Memory) UserByUsername(_ context.Context, hostID int, username string) (*identity.LocalUser, error) {
	return m.findUser(func(u identity.LocalUser) bool { return u.HostID == hostID && u.Username == username })
}

// UserByID returns a user by local id.
func (m *Memory) UserByID(_ context.Context, id int64) (*identity.LocalUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return &u, nil
}

// InsertUser stores a new user and returns its id.
func (m *Memory) InsertUser(_ context.Context, u *identity.LocalUser) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.HostID == u.HostID && existing.Username == u.Username {
			return 0, fmt.Errorf("username %q already exists", u.Username)
		}
	}
	rec := *u
	rec.ID = m.id()
	m.users[rec.ID] = rec
	return rec.ID, nil
}

// UpdateUser replaces a stored user.
func (m *Memory) UpdateUser(_ context.Context, u *identity.LocalUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return identity.ErrNotFound
	}
	m.users[u.ID] = *u
	return nil
}

// Users returns all users ordered by id.
func (m *Memory) Users() []identity.LocalUser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]identity.LocalUser, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CustomFields lists the custom field definitions.
func (m *Memory) CustomFields(context.Context) ([]identity.CustomField, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]identity.CustomField(nil), m.fields...), nil
}

// CustomValue returns one user's value for a custom field.
func (m *Memory) CustomValue(_ context.Context, userID, fieldID int64) (*identity.CustomValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[[2]int64{userID, fieldID}]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return &v, nil
}

// InsertCustomValue stores a new custom field value.
func (m *Memory) InsertCustomValue(_ context.Context, v identity.CustomValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{v.UserID, v.FieldID}
	if _, ok := m.values[key]; ok {
		return fmt.Errorf("custom value for user %d field %d exists", v.UserID, v.FieldID)
	}
	v.ID = m.id()
	m.values[key] = v
	return nil
}

// UpdateCustomValue replaces a custom field value.
func (m *Memory) UpdateCustomValue(_ context.Context, v identity.CustomValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{v.UserID, v.FieldID}
	if _, ok := m.values[key]; !ok {
		return identity.ErrNotFound
	}
	m.values[key] = v
	return nil
}

// GroupsByComponent lists the groups owned by component.
func (m *Memory) GroupsByComponent(_ context.Context, component string) ([]identity.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []identity.Group
	for _, g := range m.groups {
		if g.Component == component {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateGroup stores a group and returns its id.
func (m *Memory) CreateGroup(_ context.Context, g identity.Group) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = m.id()
	m.groups[g.ID] = g
	return g.ID, nil
}

// DeleteGroup removes a group and its memberships.
func (m *Memory) DeleteGroup(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return identity.ErrNotFound
	}
	delete(m.groups, id)
	delete(m.members, id)
	return nil
}

// UserGroups lists the groups of component that userID belongs to.
func (m *Memory) UserGroups(_ context.Context, userID int64, component string) ([]identity.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []identity.Group
	for gid, users := range m.members {
		if g, ok := m.groups[gid]; ok && users[userID] && g.Component == component {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AddMember adds userID to a group. Adding an existing member is a no-op.
func (m *Memory) AddMember(_ context.Context, groupID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return identity.ErrNotFound
	}
	if m.members[groupID] == nil {
		m.members[groupID] = make(map[int64]bool)
	}
	m.members[groupID][userID] = true
	return nil
}

// RemoveMember removes userID from a group.
func (m *Memory) RemoveMember(_ context.Context, groupID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[groupID], userID)
	return nil
}

// Checkpoint returns a stored sync checkpoint, or "" when none is stored.
func (m *Memory) Checkpoint(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[key], nil
}

// SaveCheckpoint stores a sync checkpoint.
func (m *Memory) SaveCheckpoint(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[key] = value
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }
