// Package groupsync mirrors a remote grouping view onto local groups owned by
// the bridge.
package groupsync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dhawalhost/wardbridge/internal/identity"
	"go.uber.org/zap"
)

// DefaultComponent tags the groups the bridge owns.
const DefaultComponent = "auth_remotesso"

// Store is the group CRUD the engine depends on.
type Store interface {
	GroupsByComponent(ctx context.Context, component string) ([]identity.Group, error)
	CreateGroup(ctx context.Context, g identity.Group) (int64, error)
	DeleteGroup(ctx context.Context, id int64) error
	UserGroups(ctx context.Context, userID int64, component string) ([]identity.Group, error)
	AddMember(ctx context.Context, groupID, userID int64) error
	RemoveMember(ctx context.Context, groupID, userID int64) error
}

// Report lists what a Sync changed.
type Report struct {
	Created []string `json:"created,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
	Added   int      `json:"memberships_added"`
	Removed int      `json:"memberships_removed"`
}

// Engine reconciles groups tagged with its component.
type Engine struct {
	store     Store
	component string
	logger    *zap.Logger
}

// New creates an Engine for component, or DefaultComponent when empty.
func New(store Store, component string, logger *zap.Logger) *Engine {
	if component == "" {
		component = DefaultComponent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, component: component, logger: logger}
}

// Sync creates groups named in rows, deletes owned groups no longer named, and
// then aligns each user's owned memberships with the rows naming its idnumber.
// Groups not tagged with the engine's component are never touched.
func (e *Engine) Sync(ctx context.Context, rows []identity.ViewRow, users []identity.LocalUser) (Report, error) {
	var report Report

	remote := make(map[string]identity.ViewRow)
	memberOf := make(map[string]map[string]bool)
	for _, row := range rows {
		name := strings.TrimSpace(row.GroupName)
		if name == "" {
			continue
		}
		if _, ok := remote[name]; !ok {
			remote[name] = row
		}
		if row.MemberExternalID == "" {
			continue
		}
		if memberOf[row.MemberExternalID] == nil {
			memberOf[row.MemberExternalID] = make(map[string]bool)
		}
		memberOf[row.MemberExternalID][name] = true
	}

	local, err := e.store.GroupsByComponent(ctx, e.component)
	if err != nil {
		return report, fmt.Errorf("failed to list groups: %w", err)
	}
	byName := make(map[string]int64, len(local))
	for _, g := range local {
		byName[g.Name] = g.ID
	}

	for _, name := range sortedNames(remote) {
		if _, ok := byName[name]; ok {
			continue
		}
		row := remote[name]
		id, err := e.store.CreateGroup(ctx, identity.Group{
			Name:        name,
			IDNumber:    row.GroupID,
			Description: row.GroupDescription,
			Component:   e.component,
		})
		if err != nil {
			return report, fmt.Errorf("failed to create group %s: %w", name, err)
		}
		byName[name] = id
		report.Created = append(report.Created, name)
		e.logger.Info("Created group", zap.String("group", name))
	}

	for _, g := range local {
		if _, ok := remote[g.Name]; ok {
			continue
		}
		if err := e.store.DeleteGroup(ctx, g.ID); err != nil {
			return report, fmt.Errorf("failed to delete group %s: %w", g.Name, err)
		}
		delete(byName, g.Name)
		report.Deleted = append(report.Deleted, g.Name)
		e.logger.Info("Deleted group", zap.String("group", g.Name))
	}

	for _, u := range users {
		if u.ID == 0 || u.IDNumber == "" {
			continue
		}
		want := memberOf[u.IDNumber]
		have, err := e.store.UserGroups(ctx, u.ID, e.component)
		if err != nil {
			return report, fmt.Errorf("failed to list groups of %s: %w", u.Username, err)
		}
		current := make(map[string]bool, len(have))
		for _, g := range have {
			current[g.Name] = true
			if want[g.Name] {
				continue
			}
			if err := e.store.RemoveMember(ctx, g.ID, u.ID); err != nil {
				return report, fmt.Errorf("failed to remove %s from %s: %w", u.Username, g.Name, err)
			}
			report.Removed++
		}
		for name := range want {
			if current[name] {
				continue
			}
			if err := e.store.AddMember(ctx, byName[name], u.ID); err != nil {
				return report, fmt.Errorf("failed to add %s to %s: %w", u.Username, name, err)
			}
			report.Added++
		}
	}

	return report, nil
}

func sortedNames(m map[string]identity.ViewRow) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
