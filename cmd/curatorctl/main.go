// Command curatorctl runs administrative operations against the curation
// database.
//
//	curatorctl recalculate
//	curatorctl fix-completion [--fix] [--stale-age 168h]
//	curatorctl cleanup-logs [--retention 144h]
//	curatorctl migrate
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"listing-curator/internal/config"
	"listing-curator/internal/logging"
	"listing-curator/internal/maintenance"
	"listing-curator/internal/models"
	"listing-curator/internal/reconcile"
	"listing-curator/internal/store"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "curatorctl:", err)
		os.Exit(1)
	}
}

var commands = map[string]bool{
	"recalculate":    true,
	"fix-completion": true,
	"cleanup-logs":   true,
	"migrate":        true,
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: curatorctl <recalculate|fix-completion|cleanup-logs|migrate> [flags]")
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return fmt.Errorf("missing command")
	}
	cmd, rest := args[0], args[1:]
	if !commands[cmd] {
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "curatorctl")

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fix := fs.Bool("fix", false, "stamp completed_at on inconsistent tasks (fix-completion)")
	staleAge := fs.Duration("stale-age", cfg.StaleInProgressAge, "report IN_PROGRESS tasks created more than this long ago (fix-completion)")
	retention := fs.Duration("retention", cfg.TaskLogRetention, "keep task logs newer than this (cleanup-logs)")
	asJSON := fs.Bool("json", false, "print results as JSON")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	runner := maintenance.NewRunner(maintenance.PostgresTransactor{Store: st}, reconcile.New(logger.With("component", "reconcile")), logger.With("component", "maintenance"))

	switch cmd {
	case "migrate":
		if err := st.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		fmt.Fprintln(out, "migrations applied")
		return nil
	case "recalculate":
		sum, err := runner.Recalculate(ctx)
		if err != nil {
			return err
		}
		if *asJSON {
			return json.NewEncoder(out).Encode(sum)
		}
		printSummary(out, sum)
		return nil
	case "fix-completion":
		audit, err := runner.AuditCompletion(ctx, *fix, *staleAge)
		if err != nil {
			return err
		}
		if *asJSON {
			return json.NewEncoder(out).Encode(audit)
		}
		printAudit(out, audit, *fix, *staleAge)
		return nil
	case "cleanup-logs":
		n, err := runner.CleanupTaskLogs(ctx, *retention)
		if err != nil {
			return err
		}
		logger.Info("task logs cleaned", "deleted", n, "retention", *retention)
		fmt.Fprintf(out, "deleted %d task log entries older than %s\n", n, *retention)
		return nil
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printSummary(w io.Writer, sum maintenance.Summary) {
	fmt.Fprintf(w, "tasks checked:   %d\n", sum.Total)
	fmt.Fprintf(w, "tasks updated:   %d\n", sum.Updated)
	fmt.Fprintf(w, "newly failed:    %d\n", sum.NewlyFailed)
	fmt.Fprintf(w, "failed in db:    %d\n", sum.DBFailed)
	statuses := make([]models.TaskStatus, 0, len(sum.ByStatus))
	for st := range sum.ByStatus {
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	for _, st := range statuses {
		fmt.Fprintf(w, "  %-12s %d\n", st, sum.ByStatus[st])
	}
}

func printAudit(w io.Writer, audit maintenance.CompletionAudit, fixed bool, staleAge time.Duration) {
	fmt.Fprintf(w, "settled tasks without completed_at: %d\n", len(audit.Inconsistent))
	for _, t := range audit.Inconsistent {
		fmt.Fprintf(w, "  task %d %s (%s)\n", t.ID, t.Status, t.ProjectTitle)
	}
	if fixed {
		fmt.Fprintf(w, "stamped: %d\n", audit.Fixed)
	} else if len(audit.Inconsistent) > 0 {
		fmt.Fprintln(w, "run with --fix to stamp completed_at")
	}
	fmt.Fprintf(w, "in progress, created more than %s ago: %d\n", staleAge, len(audit.Stale))
	for _, t := range audit.Stale {
		fmt.Fprintf(w, "  task %d created %s\n", t.ID, t.CreatedAt.Format(time.RFC3339))
	}
}
