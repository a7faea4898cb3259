// Package bulksync runs the scheduled reconciliation of every remote user
// changed since the last checkpoint.
package bulksync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dhawalhost/wardbridge/internal/audit"
	"github.com/dhawalhost/wardbridge/internal/groupsync"
	"github.com/dhawalhost/wardbridge/internal/identity"
	"github.com/dhawalhost/wardbridge/internal/reconcile"
	"github.com/dhawalhost/wardbridge/internal/remote"
)

var (
	// ErrServiceLogin aborts a run whose service account cannot log in.
	ErrServiceLogin = errors.New("service login failed")
	// ErrIndexFetch aborts a run whose user index cannot be read.
	ErrIndexFetch = errors.New("user index unavailable")
	// ErrInProgress is returned when a run is already active.
	ErrInProgress = errors.New("sync already in progress")
)

// CheckpointKey stores the highest remote revision processed.
const CheckpointKey = "last_vid"

// DefaultPageSize is used when Options.PageSize is zero.
const DefaultPageSize = 100

// Session is the part of the remote client a run uses.
type Session interface {
	State() remote.State
	Login(ctx context.Context, username, password string) error
	Logout(ctx context.Context) error
	Index(ctx context.Context, resourceType, query string) (any, error)
	Get(ctx context.Context, resourceType, id string) (any, error)
	GroupView(ctx context.Context, view string) ([]identity.ViewRow, error)
	Protocol() remote.Protocol
}

// Dial opens a fresh remote session for one run.
type Dial func() (Session, error)

// Store persists the revision checkpoint.
type Store interface {
	Checkpoint(ctx context.Context, key string) (string, error)
	SaveCheckpoint(ctx context.Context, key, value string) error
}

// Metrics receives run and per-user outcomes.
type Metrics interface {
	ObserveUser(action string)
	ObserveRun(outcome string, finished time.Time)
}

// Notifier is told about every finished run, successful or not.
type Notifier interface {
	RunFinished(ctx context.Context, report *Report)
}

// Options configure a Runner.
type Options struct {
	ServiceUser     string
	ServicePassword string
	PageSize        int
	GroupSync       bool
	GroupView       string
	// CallLogout ends the service session when the run finishes.
	CallLogout bool
	Notifier   Notifier
}

// RunOptions configure a single run.
type RunOptions struct {
	// ForceAll ignores the stored checkpoint.
	ForceAll bool
	// Progress is called once per processed remote user.
	Progress func(Entry)
}

// Entry is the outcome for one remote user.
type Entry struct {
	ExternalID string `json:"uid"`
	Name       string `json:"name"`
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
}

func (e Entry) String() string {
	s := fmt.Sprintf("%s %s(%s)", e.Action, e.Name, e.ExternalID)
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	return s
}

// Actions reported per user besides those of reconcile.
const (
	ActionSkipped = "skipped"
	ActionFailed  = "failed"
)

// Report summarizes a run.
type Report struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	ForceAll   bool              `json:"force_all"`
	Checkpoint string            `json:"checkpoint,omitempty"`
	Total      int               `json:"total"`
	Created    int               `json:"created"`
	Updated    int               `json:"updated"`
	Unchanged  int               `json:"unchanged"`
	Skipped    int               `json:"skipped"`
	Failed     int               `json:"failed"`
	Entries    []Entry           `json:"entries"`
	Groups     *groupsync.Report `json:"groups,omitempty"`
	GroupError string            `json:"group_error,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Runner executes bulk syncs one at a time.
type Runner struct {
	dial    Dial
	store   Store
	users   *reconcile.Engine
	groups  *groupsync.Engine
	audit   audit.Service
	metrics Metrics
	opts    Options
	logger  *zap.Logger

	running sync.Mutex
	mu      sync.RWMutex
	last    *Report
}

// New creates a Runner. groups, auditSvc and metrics may be nil.
func New(dial Dial, store Store, users *reconcile.Engine, groups *groupsync.Engine,
	auditSvc audit.Service, metrics Metrics, opts Options, logger *zap.Logger) *Runner {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		dial:    dial,
		store:   store,
		users:   users,
		groups:  groups,
		audit:   auditSvc,
		metrics: metrics,
		opts:    opts,
		logger:  logger,
	}
}

// Last returns the report of the most recent run, or nil.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Running reports whether a run is active.
func (r *Runner) Running() bool {
	if r.running.TryLock() {
		r.running.Unlock()
		return false
	}
	return true
}

// Run performs one sync. Per-user failures are reported and skipped; only a
// failed service login or index fetch aborts the run.
func (r *Runner) Run(ctx context.Context, ro RunOptions) (*Report, error) {
	if !r.running.TryLock() {
		return nil, ErrInProgress
	}
	defer r.running.Unlock()

	ctx, span := otel.Tracer("wardbridge/bulksync").Start(ctx, "bulksync.Run")
	defer span.End()

	report := &Report{RunID: uuid.NewString(), StartedAt: time.Now().UTC(), ForceAll: ro.ForceAll}
	span.SetAttributes(attribute.String("run_id", report.RunID), attribute.Bool("force_all", ro.ForceAll))
	logger := r.logger.With(zap.String("run_id", report.RunID))
	r.record(ctx, report.RunID, audit.ActionSyncStarted, "sync", "", "", "success", map[string]any{"force_all": ro.ForceAll})

	err := r.run(ctx, ro, report, logger)
	report.FinishedAt = time.Now().UTC()

	outcome := "success"
	if err != nil {
		outcome = "failure"
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Sync aborted", zap.Error(err))
		r.record(ctx, report.RunID, audit.ActionSyncAborted, "sync", "", "", "failure", map[string]any{"error": err.Error()})
	} else {
		logger.Info("Sync completed",
			zap.Int("total", report.Total),
			zap.Int("created", report.Created),
			zap.Int("updated", report.Updated),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
		r.record(ctx, report.RunID, audit.ActionSyncCompleted, "sync", "", "", "success", map[string]any{
			"total": report.Total, "created": report.Created, "updated": report.Updated,
			"unchanged": report.Unchanged, "skipped": report.Skipped, "failed": report.Failed,
		})
	}
	if r.metrics != nil {
		r.metrics.ObserveRun(outcome, report.FinishedAt)
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	if r.opts.Notifier != nil {
		r.opts.Notifier.RunFinished(ctx, report)
	}
	return report, err
}

func (r *Runner) run(ctx context.Context, ro RunOptions, report *Report, logger *zap.Logger) error {
	sess, err := r.dial()
	if err != nil {
		return fmt.Errorf("failed to open remote session: %w", err)
	}

	if sess.State() == remote.LoggedIn {
		logger.Debug("Logging out stale session")
		_ = sess.Logout(ctx)
	}
	if err := sess.Login(ctx, r.opts.ServiceUser, r.opts.ServicePassword); err != nil {
		return fmt.Errorf("%w: %s", ErrServiceLogin, loginDiagnostic(err))
	}
	defer func() {
		if r.opts.CallLogout && sess.State() == remote.LoggedIn {
			if err := sess.Logout(ctx); err != nil {
				logger.Warn("Service logout failed", zap.Error(err))
			}
		}
	}()

	vid := "0"
	if !ro.ForceAll {
		stored, err := r.store.Checkpoint(ctx, CheckpointKey)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint: %w", err)
		}
		if stored != "" {
			vid = stored
		}
	}

	entries, err := r.index(ctx, sess, vid)
	if err != nil {
		return err
	}
	logger.Info("Users to update", zap.Int("count", len(entries)), zap.String("since_vid", vid))

	maxVid := vid
	var reconciled []identity.LocalUser
	for _, entry := range entries {
		rec, ok := r.normalize(ctx, sess, entry)
		if !ok {
			r.report(ctx, ro, report, Entry{Action: ActionFailed, Reason: "unreadable index entry"}, logger)
			continue
		}
		if laterRevision(rec.Revision, maxVid) {
			maxVid = rec.Revision
		}

		e := Entry{ExternalID: rec.ExternalID, Name: rec.Name}
		switch {
		case rec.Anonymous():
			e.Action, e.Reason = ActionSkipped, "anonymous user"
		case r.users.Reserved(rec.Name):
			e.Action, e.Reason = ActionSkipped, "reserved local account"
		default:
			res, err := r.users.CreateOrUpdate(ctx, rec)
			switch {
			case err != nil:
				e.Action, e.Reason = ActionFailed, err.Error()
			default:
				e.Action = string(res.Action)
				reconciled = append(reconciled, *res.User)
			}
		}
		r.report(ctx, ro, report, e, logger)
	}

	if maxVid != vid {
		if err := r.store.SaveCheckpoint(ctx, CheckpointKey, maxVid); err != nil {
			logger.Error("Failed to save checkpoint", zap.Error(err))
		}
	}
	report.Checkpoint = maxVid

	if r.opts.GroupSync && r.groups != nil {
		r.syncGroups(ctx, sess, report, reconciled, logger)
	}
	return nil
}

// index reads every page of users changed since vid. Paging stops on a short
// page or a page that repeats ids already seen.
func (r *Runner) index(ctx context.Context, sess Session, vid string) ([]map[string]any, error) {
	var out []map[string]any
	seen := make(map[string]bool)
	for page := 0; ; page++ {
		query := fmt.Sprintf("?vid=%s&page=%d&pagesize=%d", vid, page, r.opts.PageSize)
		v, err := sess.Index(ctx, "user", query)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexFetch, err)
		}
		list, ok := remote.Collection(v)
		if !ok {
			return nil, fmt.Errorf("%w: page %d is not a list", ErrIndexFetch, page)
		}
		fresh := 0
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key := fmt.Sprint(m["uid"])
			if seen[key] {
				continue
			}
			seen[key] = true
			fresh++
			out = append(out, m)
		}
		if len(list) < r.opts.PageSize || fresh == 0 {
			return out, nil
		}
	}
}

// normalize turns an index entry into a record. Partial v1 entries are merged
// with the full user object, which the remote withholds for blocked users.
func (r *Runner) normalize(ctx context.Context, sess Session, entry map[string]any) (identity.RemoteRecord, bool) {
	proto := sess.Protocol()
	if proto.FullRecordPerEntry() {
		if uid := fmt.Sprint(entry["uid"]); uid != "" && uid != "<nil>" {
			full, err := sess.Get(ctx, "user", uid)
			if err != nil {
				r.logger.Debug("Full user fetch failed", zap.String("uid", uid), zap.Error(err))
			}
			fm, _ := full.(map[string]any)
			entry = remote.MergeEntry(entry, fm)
		}
	}
	return proto.Normalize(entry)
}

func (r *Runner) syncGroups(ctx context.Context, sess Session, report *Report, users []identity.LocalUser, logger *zap.Logger) {
	logger.Info("Updating groups", zap.String("view", r.opts.GroupView))
	rows, err := sess.GroupView(ctx, r.opts.GroupView)
	if err != nil {
		report.GroupError = err.Error()
		logger.Error("Failed to read group view", zap.Error(err))
		return
	}
	gr, err := r.groups.Sync(ctx, rows, users)
	report.Groups = &gr
	if err != nil {
		report.GroupError = err.Error()
		logger.Error("Group sync failed", zap.Error(err))
	}
	for _, name := range gr.Created {
		r.record(ctx, report.RunID, audit.ActionGroupCreated, "group", "", name, "success", nil)
	}
	for _, name := range gr.Deleted {
		r.record(ctx, report.RunID, audit.ActionGroupDeleted, "group", "", name, "success", nil)
	}
	if gr.Added > 0 {
		r.record(ctx, report.RunID, audit.ActionMembershipAdded, "membership", "", "", "success", map[string]any{"count": gr.Added})
	}
	if gr.Removed > 0 {
		r.record(ctx, report.RunID, audit.ActionMembershipRemoved, "membership", "", "", "success", map[string]any{"count": gr.Removed})
	}
}

func (r *Runner) report(ctx context.Context, ro RunOptions, report *Report, e Entry, logger *zap.Logger) {
	report.Total++
	report.Entries = append(report.Entries, e)
	action, outcome := audit.ActionUserFailed, "failure"
	switch e.Action {
	case string(reconcile.ActionCreated):
		report.Created++
		action, outcome = audit.ActionUserCreated, "success"
	case string(reconcile.ActionUpdated):
		report.Updated++
		action, outcome = audit.ActionUserUpdated, "success"
	case string(reconcile.ActionUnchanged):
		report.Unchanged++
		action, outcome = audit.ActionUserUnchanged, "success"
	case ActionSkipped:
		report.Skipped++
		action, outcome = audit.ActionUserSkipped, "skipped"
	default:
		report.Failed++
	}

	if e.Action == ActionFailed {
		logger.Warn("User sync failed", zap.String("uid", e.ExternalID), zap.String("name", e.Name), zap.String("reason", e.Reason))
	} else {
		logger.Info("User processed", zap.String("uid", e.ExternalID), zap.String("name", e.Name), zap.String("action", e.Action), zap.String("reason", e.Reason))
	}
	if r.metrics != nil {
		r.metrics.ObserveUser(e.Action)
	}
	var details any
	if e.Reason != "" {
		details = map[string]any{"reason": e.Reason}
	}
	r.record(ctx, report.RunID, action, "user", e.ExternalID, e.Name, outcome, details)
	if ro.Progress != nil {
		ro.Progress(e)
	}
}

func (r *Runner) record(ctx context.Context, runID, action, resourceType, id, name, outcome string, details any) {
	if r.audit == nil {
		return
	}
	in := audit.LogInput{
		RunID:        runID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   id,
		ResourceName: name,
		Outcome:      outcome,
		Details:      details,
	}
	if err := r.audit.Log(ctx, in); err != nil {
		r.logger.Warn("Failed to write audit event", zap.String("action", action), zap.Error(err))
	}
}

func loginDiagnostic(err error) string {
	switch remote.StatusOf(err) {
	case http.StatusNotFound:
		return "login service unreachable"
	case http.StatusUnauthorized:
		return "check service username and password"
	case 0:
		return err.Error()
	default:
		return fmt.Sprintf("login failed with http code %d", remote.StatusOf(err))
	}
}

// laterRevision compares revisions numerically when both parse, else as strings.
func laterRevision(a, b string) bool {
	if a == "" {
		return false
	}
	x, errA := strconv.ParseInt(a, 10, 64)
	y, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return x > y
	}
	return a > b
}
