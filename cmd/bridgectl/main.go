package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dhawalhost/wardbridge/internal/app"
	"github.com/dhawalhost/wardbridge/internal/bulksync"
	"github.com/dhawalhost/wardbridge/internal/config"
	"github.com/dhawalhost/wardbridge/internal/remote"
	"github.com/dhawalhost/wardbridge/pkg/client"
	"github.com/dhawalhost/wardbridge/pkg/logger"
	"github.com/dhawalhost/wardbridge/pkg/middleware"
)

const defaultBaseURL = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "sync":
		err = runSync(os.Args[2:])
	case "trigger":
		err = runTrigger(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "audit":
		err = runAudit(os.Args[2:])
	case "ping":
		err = runPing(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "cookie-name":
		err = runCookieName(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runSync performs a sync in-process against the configured store.
func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := addConfigFlag(fs)
	forceAll := fs.Bool("force-all", false, "Ignore the stored checkpoint and sync every remote user")
	verbose := fs.Bool("v", false, "Log remote calls")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log := logger.NewConsole(*verbose)
	defer log.Sync()
	bridge, err := app.New(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer bridge.Close()

	report, err := bridge.Runner.Run(ctx, bulksync.RunOptions{
		ForceAll: *forceAll,
		Progress: func(e bulksync.Entry) { fmt.Println(e.String()) },
	})
	if report != nil {
		printSummary(report)
	}
	return err
}

func runTrigger(args []string) error {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	baseURL, token := addCommonFlags(fs)
	forceAll := fs.Bool("force-all", false, "Ignore the stored checkpoint and sync every remote user")
	wait := fs.Bool("wait", false, "Wait for the run and print its report")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := client.New(client.Config{BaseURL: *baseURL, Token: *token})
	report, err := c.TriggerSync(context.Background(), *forceAll, *wait)
	if err != nil {
		return err
	}
	if report == nil {
		fmt.Println("Sync started")
		return nil
	}
	for _, e := range report.Entries {
		fmt.Println(e.String())
	}
	printSummary(report)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	baseURL, token := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := client.New(client.Config{BaseURL: *baseURL, Token: *token})
	status, err := c.SyncStatus(context.Background())
	if err != nil {
		return err
	}
	fmt.Println("Running:", status.Running)
	if status.Last == nil {
		fmt.Println("No sync has run yet")
		return nil
	}
	printSummary(status.Last)
	return nil
}

func runAudit(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	baseURL, token := addCommonFlags(fs)
	runID := fs.String("run-id", "", "Only show events of this sync run")
	limit := fs.Int("limit", 50, "Maximum number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := client.New(client.Config{BaseURL: *baseURL, Token: *token})
	if *runID != "" {
		sum, err := c.RunSummary(context.Background(), *runID)
		if err != nil {
			return err
		}
		fmt.Printf("Run %s %s, started %s\n", sum.RunID, sum.Status, sum.StartedAt.Format(time.RFC3339))
		for action, n := range sum.Actions {
			fmt.Printf("  %-20s %d\n", action, n)
		}
	}
	events, err := c.AuditEvents(context.Background(), *runID, *limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No audit events found")
		return nil
	}
	for _, e := range events {
		name := ""
		if e.ResourceName != nil {
			name = *e.ResourceName
		}
		fmt.Printf("%s  %-16s %-8s %s\n", e.Timestamp.Format(time.RFC3339), e.Action, e.Outcome, name)
	}
	return nil
}

func runPing(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	configPath := addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logger.NewConsole(false)
	bridge, err := app.New(context.Background(), cfg, nil, log)
	if err != nil {
		return err
	}
	defer bridge.Close()

	status := bridge.Health(context.Background())
	prettyPrint(status)
	for k, v := range status {
		if v != "ok" {
			return fmt.Errorf("%s is unhealthy", k)
		}
	}
	return nil
}

// runMigrate creates the Postgres tables. The service migrates on start too.
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate needs database.driver postgres, got %s", cfg.Database.Driver)
	}
	fmt.Printf("Connecting to %s:%d/%s...\n", cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
	bridge, err := app.New(context.Background(), cfg, nil, logger.NewConsole(false))
	if err != nil {
		return err
	}
	defer bridge.Close()
	fmt.Println("Schema is up to date")
	return nil
}

func runCookieName(args []string) error {
	fs := flag.NewFlagSet("cookie-name", flag.ExitOnError)
	configPath := addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	fmt.Println(remote.CookieName(cfg.Remote.HostURI, cfg.Remote.CookieDomain))
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := addConfigFlag(fs)
	subject := fs.String("subject", "", "Token subject, usually an operator name")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return fmt.Errorf("subject is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	token, err := middleware.IssueAdminToken(middleware.AdminConfig{
		Secret: []byte(cfg.Admin.JWTSecret),
		Issuer: cfg.Admin.Issuer,
	}, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func addConfigFlag(fs *flag.FlagSet) *string {
	return fs.String("config", os.Getenv("WARDBRIDGE_CONFIG"), "Path to the YAML config file")
}

func addCommonFlags(fs *flag.FlagSet) (*string, *string) {
	baseURL := fs.String("base-url", defaultBaseURL, "Bridge service base URL")
	token := fs.String("token", os.Getenv("WARDBRIDGE_ADMIN_TOKEN"), "Admin bearer token")
	return baseURL, token
}

func printSummary(r *bulksync.Report) {
	fmt.Printf("Run %s: %d users, %d created, %d updated, %d unchanged, %d skipped, %d failed\n",
		r.RunID, r.Total, r.Created, r.Updated, r.Unchanged, r.Skipped, r.Failed)
	if r.Groups != nil {
		fmt.Printf("Groups: %d created, %d deleted, %d memberships added, %d removed\n",
			len(r.Groups.Created), len(r.Groups.Deleted), r.Groups.Added, r.Groups.Removed)
	}
	if r.GroupError != "" {
		fmt.Println("Group sync failed:", r.GroupError)
	}
	if r.Error != "" {
		fmt.Println("Aborted:", r.Error)
	}
}

func prettyPrint(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`Usage: bridgectl <command> [options]

Commands:
  sync          Run a sync in-process and print one line per remote user
  trigger       Ask a running bridge service to start a sync
  status        Show the state of the last sync on a running bridge service
  audit         List audit events recorded by a running bridge service
  ping          Check the local store and the remote API
  migrate       Create the Postgres schema
  cookie-name   Print the name of the remote session cookie
  token         Issue an admin API token

Options:
	-config     YAML config file (default $WARDBRIDGE_CONFIG)
	-base-url   Bridge service base URL (default http://localhost:8080)
	-token      Admin bearer token (default $WARDBRIDGE_ADMIN_TOKEN)
`)
}
