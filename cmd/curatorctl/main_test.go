package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"listing-curator/internal/maintenance"
	"listing-curator/internal/models"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, &out); err == nil {
		t.Fatalf("expected error without a command")
	}
	err := run([]string{"rebuild-everything"}, &out)
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, maintenance.Summary{
		Total:       3,
		Updated:     1,
		NewlyFailed: 1,
		DBFailed:    1,
		ByStatus:    map[models.TaskStatus]int{models.TaskFailed: 1, models.TaskDone: 2},
	})
	got := out.String()
	for _, want := range []string{"tasks checked:   3", "newly failed:    1", "DONE", "FAILED"} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "DONE") > strings.Index(got, "FAILED") {
		t.Fatalf("statuses not sorted:\n%s", got)
	}
}

func TestPrintAuditSuggestsFix(t *testing.T) {
	var out bytes.Buffer
	printAudit(&out, maintenance.CompletionAudit{
		Inconsistent: []models.Task{{ID: 4, Status: models.TaskDone, ProjectTitle: "Madeira"}},
	}, false, 7*24*time.Hour)
	if !strings.Contains(out.String(), "run with --fix") || !strings.Contains(out.String(), "task 4 DONE") {
		t.Fatalf("unexpected audit output:\n%s", out.String())
	}
}

func TestPrintAuditReportsCreationTime(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	touched := time.Date(2026, 9, 30, 9, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printAudit(&out, maintenance.CompletionAudit{
		Stale: []models.Task{{ID: 9, Status: models.TaskInProgress, CreatedAt: created, UpdatedAt: touched}},
	}, false, 168*time.Hour)
	got := out.String()
	if !strings.Contains(got, "created more than 168h0m0s ago: 1") {
		t.Fatalf("stale header should describe the creation cutoff:\n%s", got)
	}
	if !strings.Contains(got, "task 9 created 2026-03-01T09:00:00Z") || strings.Contains(got, "2026-09-30") {
		t.Fatalf("stale tasks should be listed by creation time:\n%s", got)
	}
}
