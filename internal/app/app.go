// Package app assembles the bridge components from a Config.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/dhawalhost/wardbridge/internal/audit"
	"github.com/dhawalhost/wardbridge/internal/bulksync"
	"github.com/dhawalhost/wardbridge/internal/config"
	"github.com/dhawalhost/wardbridge/internal/events"
	"github.com/dhawalhost/wardbridge/internal/groupsync"
	"github.com/dhawalhost/wardbridge/internal/identity"
	"github.com/dhawalhost/wardbridge/internal/mapping"
	"github.com/dhawalhost/wardbridge/internal/reconcile"
	"github.com/dhawalhost/wardbridge/internal/remote"
	"github.com/dhawalhost/wardbridge/internal/sso"
	"github.com/dhawalhost/wardbridge/internal/store"
	"github.com/dhawalhost/wardbridge/pkg/database"
	"github.com/dhawalhost/wardbridge/pkg/observability"
)

// Store is everything the engines need from the local store.
type Store interface {
	reconcile.Store
	groupsync.Store
	bulksync.Store
	Ping(ctx context.Context) error
}

// App holds the assembled components.
type App struct {
	Config  *config.Config
	Store   Store
	Audit   audit.Service
	Users   *reconcile.Engine
	Groups  *groupsync.Engine
	Runner  *bulksync.Runner
	SSO     sso.Service
	Events  *events.Dispatcher
	Metrics *observability.Metrics

	logger *zap.Logger
	db     *sqlx.DB
}

// New builds the bridge. With the postgres driver it connects and migrates
// the schema; Close releases the connection.
func New(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (*App, error) {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	a := &App{Config: cfg, Metrics: metrics, logger: logger}
	mapper := mapping.New(cfg.Mapping)

	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.NewConnection(ctx, database.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			DBName:          cfg.Database.Name,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: config.ParseDuration(cfg.Database.ConnMaxLifetime, 0),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		pg := store.NewPostgres(db, config.ParseDuration(cfg.Database.FieldCacheTTL, 5*time.Minute))
		if err := pg.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		a.Store = pg
		a.Audit = audit.NewService(audit.NewStore(db))
	default:
		logger.Warn("Using in-memory store, state is lost on restart")
		var fields []identity.CustomField
		for i, name := range mapper.CustomFields() {
			fields = append(fields, identity.CustomField{ID: int64(i + 1), ShortName: name, Name: name})
		}
		a.Store = store.NewMemory(fields...)
		a.Audit = audit.NewService(audit.NewMemoryStore())
	}

	a.Users = reconcile.New(a.Store, mapper, reconcile.Options{
		AuthMethod:         cfg.Local.AuthMethod,
		Lang:               cfg.Local.Lang,
		HostID:             cfg.Local.HostID,
		ReservedNames:      cfg.Local.ReservedNames,
		CityPlaceholder:    cfg.Local.CityPlaceholder,
		CountryPlaceholder: cfg.Local.CountryPlaceholder,
		UsernameFallback:   cfg.Local.UsernameFallback,
	}, logger.Named("reconcile"))

	if cfg.Sync.GroupSync {
		a.Groups = groupsync.New(a.Store, cfg.Sync.ComponentTag, logger.Named("groupsync"))
	}

	a.Events = events.NewDispatcher(cfg.Notify.Webhooks, logger.Named("events"))

	a.Runner = bulksync.New(a.dialService, a.Store, a.Users, a.Groups, a.Audit, metrics, bulksync.Options{
		ServiceUser:     cfg.Remote.ServiceUser,
		ServicePassword: cfg.Remote.ServicePassword,
		PageSize:        cfg.Sync.PageSize,
		GroupSync:       cfg.Sync.GroupSync,
		GroupView:       cfg.Sync.GroupView,
		CallLogout:      cfg.Sync.CallLogoutService,
		Notifier:        a.Events,
	}, logger.Named("bulksync"))

	a.SSO = sso.NewService(sso.Config{
		HostURI:           cfg.Remote.HostURI,
		CookieDomain:      cfg.Remote.CookieDomain,
		AppURL:            cfg.SSO.AppURL,
		DualLogin:         cfg.SSO.DualLogin,
		DualLoginURL:      cfg.SSO.DualLoginURL,
		CallLogoutService: cfg.SSO.CallLogoutService,
		ForceLocalLogin:   cfg.SSO.ForceLocalLogin,
	}, a.dialUser, a.Users, a.Audit, logger.Named("sso"))

	return a, nil
}

// Remote opens a fresh remote client, reusing inbound when non-nil.
func (a *App) Remote(inbound *remote.SessionCookie) (*remote.Client, error) {
	cfg := a.Config.Remote
	return remote.New(remote.Config{
		HostURI:            cfg.HostURI,
		EndpointPath:       cfg.EndpointPath,
		APIVersion:         cfg.APIVersion,
		Timeout:            a.Config.RemoteTimeout(),
		ResourceTypes:      cfg.ResourceTypes,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, inbound,
		remote.WithLogger(a.logger.Named("remote")),
		remote.WithObserver(a.Metrics.ObserveRemote),
	)
}

func (a *App) dialService() (bulksync.Session, error) {
	c, err := a.Remote(nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *App) dialUser(inbound *remote.SessionCookie) (sso.Session, error) {
	c, err := a.Remote(inbound)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Health checks the local store and that the remote API answers.
func (a *App) Health(ctx context.Context) map[string]string {
	status := map[string]string{"store": "ok", "remote": "ok"}
	if err := a.Store.Ping(ctx); err != nil {
		status["store"] = err.Error()
	}
	c, err := a.Remote(nil)
	if err == nil {
		err = c.Settings(ctx)
	}
	if err != nil {
		status["remote"] = err.Error()
	}
	return status
}

// Close waits for pending webhook deliveries and releases the database
// connection, if any.
func (a *App) Close() error {
	a.Events.Wait()
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
