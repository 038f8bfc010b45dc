package status

import (
	"math/rand"
	"testing"
	"time"

	"listing-curator/internal/models"
)

func TestDerive(t *testing.T) {
	cases := []struct {
		name   string
		counts Counts
		want   models.TaskStatus
	}{
		{"no businesses", Counts{}, models.TaskFailed},
		{"all discarded", Counts{Discarded: 4}, models.TaskFailed},
		{"all in production", Counts{InProduction: 3}, models.TaskTaskDone},
		{"in production with discarded", Counts{InProduction: 2, Discarded: 5}, models.TaskTaskDone},
		{"production and pending", Counts{InProduction: 1, Pending: 1}, models.TaskInProgress},
		{"production and reviewed", Counts{InProduction: 1, Reviewed: 2}, models.TaskInProgress},
		{"all pending", Counts{Pending: 2}, models.TaskCompleted},
		{"pending and discarded", Counts{Pending: 2, Discarded: 1}, models.TaskCompleted},
		{"pending and reviewed", Counts{Pending: 1, Reviewed: 1}, models.TaskInProgress},
		{"reviewed only", Counts{Reviewed: 2}, models.TaskDone},
		{"reviewed and discarded", Counts{Reviewed: 1, Discarded: 3}, models.TaskDone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Derive(tc.counts); got != tc.want {
				t.Fatalf("Derive(%+v) = %s, want %s", tc.counts, got, tc.want)
			}
		})
	}
}

func TestComputedStatusIsReadOnlyProjection(t *testing.T) {
	if got := ComputedStatus(models.TaskInProgress, Counts{InProduction: 2}); got != models.TaskTaskDone {
		t.Fatalf("expected TASK_DONE, got %s", got)
	}
	if got := ComputedStatus(models.TaskDone, Counts{InProduction: 1, Reviewed: 1}); got != models.TaskDone {
		t.Fatalf("expected stored status, got %s", got)
	}
	if got := ComputedStatus(models.TaskQueued, Counts{Discarded: 2}); got != models.TaskQueued {
		t.Fatalf("expected stored status with no active businesses, got %s", got)
	}
}

func TestIsTaskDoneFalseWithoutActiveBusinesses(t *testing.T) {
	if IsTaskDone(Counts{}) {
		t.Fatalf("empty task must not be done")
	}
	if IsTaskDone(Counts{Discarded: 3}) {
		t.Fatalf("all-discarded task must not be done")
	}
	if !IsTaskDone(Counts{InProduction: 1, Discarded: 3}) {
		t.Fatalf("expected done")
	}
}

func TestPredicatesAgreeWithDerive(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		c := Counts{
			Discarded:    r.Intn(4),
			Pending:      r.Intn(4),
			Reviewed:     r.Intn(4),
			InProduction: r.Intn(4),
		}
		derivedDone := Derive(c) == models.TaskTaskDone
		if got := ComputedStatus(models.TaskInProgress, c) == models.TaskTaskDone; got != derivedDone {
			t.Fatalf("ComputedStatus disagrees with Derive for %+v: computed=%v derived=%v", c, got, derivedDone)
		}
		if IsTaskDone(c) != derivedDone {
			t.Fatalf("IsTaskDone disagrees with Derive for %+v", c)
		}
	}
}

func TestCompletedAtFor(t *testing.T) {
	cases := []struct {
		from, to models.TaskStatus
		want     CompletedAtAction
	}{
		{models.TaskPending, models.TaskTaskDone, CompletedAtSet},
		{models.TaskInProgress, models.TaskDone, CompletedAtSet},
		{models.TaskQueued, models.TaskCompleted, CompletedAtSet},
		{models.TaskInProgress, models.TaskFailed, CompletedAtSet},
		{models.TaskTaskDone, models.TaskInProgress, CompletedAtClear},
		{models.TaskCompleted, models.TaskInProgress, CompletedAtClear},
		{models.TaskFailed, models.TaskInProgress, CompletedAtClear},
		{models.TaskDone, models.TaskInProgress, CompletedAtKeep},
		{models.TaskPending, models.TaskInProgress, CompletedAtKeep},
	}
	for _, tc := range cases {
		if got := CompletedAtFor(tc.from, tc.to); got != tc.want {
			t.Fatalf("CompletedAtFor(%s, %s) = %d, want %d", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCompletedAtApply(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-time.Hour)

	if got := CompletedAtSet.Apply(&earlier, now); got == nil || !got.Equal(now) {
		t.Fatalf("set should stamp now, got %v", got)
	}
	if got := CompletedAtClear.Apply(&earlier, now); got != nil {
		t.Fatalf("clear should nil completed_at, got %v", got)
	}
	if got := CompletedAtKeep.Apply(&earlier, now); got != &earlier {
		t.Fatalf("keep should return current pointer")
	}
}
