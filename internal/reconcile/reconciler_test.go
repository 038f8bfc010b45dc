package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"listing-curator/internal/models"
	"listing-curator/internal/store"
	"listing-curator/internal/store/storetest"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newReconciler() *Reconciler {
	return New(nil).WithClock(func() time.Time { return fixedNow })
}

func seed(mem *storetest.Memory, taskStatus models.TaskStatus, statuses ...models.BusinessStatus) models.Task {
	task := mem.AddTask(models.Task{Status: taskStatus})
	for _, st := range statuses {
		mem.AddBusiness(task.ID, st)
	}
	return task
}

func TestReconcileOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		businesses []models.BusinessStatus
		want       models.TaskStatus
	}{
		{"zero businesses", nil, models.TaskFailed},
		{"all discarded", []models.BusinessStatus{models.BusinessDiscarded, models.BusinessDiscarded}, models.TaskFailed},
		{"all in production", []models.BusinessStatus{models.BusinessInProduction, models.BusinessInProduction, models.BusinessInProduction}, models.TaskTaskDone},
		{"mixed production", []models.BusinessStatus{models.BusinessInProduction, models.BusinessPending}, models.TaskInProgress},
		{"all pending", []models.BusinessStatus{models.BusinessPending, models.BusinessPending}, models.TaskCompleted},
		{"reviewed only", []models.BusinessStatus{models.BusinessReviewed, models.BusinessReviewed}, models.TaskDone},
	}
	for _, mode := range []Mode{ModeNormal, ModeForce} {
		for _, tc := range cases {
			t.Run(mode.String()+"/"+tc.name, func(t *testing.T) {
				mem := storetest.NewMemory()
				task := seed(mem, models.TaskQueued, tc.businesses...)

				res, err := newReconciler().Reconcile(context.Background(), mem, task.ID, mode)
				if err != nil {
					t.Fatalf("reconcile: %v", err)
				}
				if res.Status != tc.want || !res.Updated {
					t.Fatalf("got status=%s updated=%v, want %s updated=true", res.Status, res.Updated, tc.want)
				}
				stored := mem.Task(task.ID)
				if stored.Status != tc.want {
					t.Fatalf("stored status %s, want %s", stored.Status, tc.want)
				}
				if stored.CompletedAt == nil || !stored.CompletedAt.Equal(fixedNow) {
					if tc.want != models.TaskInProgress {
						t.Fatalf("expected completed_at stamped for %s, got %v", tc.want, stored.CompletedAt)
					}
				}
				if tc.want == models.TaskInProgress && stored.CompletedAt != nil {
					t.Fatalf("in-progress task should not carry completed_at")
				}
			})
		}
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	mem := storetest.NewMemory()
	task := seed(mem, models.TaskPending, models.BusinessReviewed, models.BusinessPending)
	r := newReconciler()

	first, err := r.Reconcile(context.Background(), mem, task.ID, ModeNormal)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if !first.Updated || first.Status != models.TaskInProgress {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := r.Reconcile(context.Background(), mem, task.ID, ModeNormal)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if second.Updated {
		t.Fatalf("second reconcile must be a no-op, got %+v", second)
	}
	if second.Status != first.Status || mem.Task(task.ID).Status != first.Status {
		t.Fatalf("status drifted between calls")
	}
	if got := mem.Calls("SaveTask"); got != 1 {
		t.Fatalf("expected exactly one save, got %d", got)
	}
	if got := len(mem.Logs()); got != 1 {
		t.Fatalf("expected one transition log, got %d", got)
	}
}

func TestReconcileReadsPersistedState(t *testing.T) {
	mem := storetest.NewMemory()
	task := seed(mem, models.TaskPending, models.BusinessInProduction)
	// A caller holding a stale copy must not influence the outcome.
	stale := task
	stale.Status = models.TaskTaskDone

	res, err := newReconciler().Reconcile(context.Background(), mem, stale.ID, ModeNormal)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Updated || res.Previous != models.TaskPending {
		t.Fatalf("expected transition from persisted PENDING, got %+v", res)
	}
}

func TestRegressionClearsCompletedAt(t *testing.T) {
	for _, mode := range []Mode{ModeNormal, ModeForce} {
		t.Run(mode.String(), func(t *testing.T) {
			mem := storetest.NewMemory()
			task := seed(mem, models.TaskQueued, models.BusinessInProduction, models.BusinessInProduction)
			r := newReconciler()

			res, err := r.Reconcile(context.Background(), mem, task.ID, mode)
			if err != nil || res.Status != models.TaskTaskDone {
				t.Fatalf("expected TASK_DONE, got %+v err=%v", res, err)
			}
			if mem.Task(task.ID).CompletedAt == nil {
				t.Fatalf("completed_at should be set")
			}

			mem.AddBusiness(task.ID, models.BusinessPending)
			res, err = r.Reconcile(context.Background(), mem, task.ID, mode)
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if res.Status != models.TaskInProgress || !res.Updated {
				t.Fatalf("expected IN_PROGRESS, got %+v", res)
			}
			if got := mem.Task(task.ID).CompletedAt; got != nil {
				t.Fatalf("completed_at should be cleared, got %v", got)
			}
		})
	}
}

func TestSoftDeletedBusinessesAreIgnored(t *testing.T) {
	mem := storetest.NewMemory()
	task := seed(mem, models.TaskInProgress, models.BusinessInProduction)
	pending := mem.AddBusiness(task.ID, models.BusinessPending)
	if err := mem.SetBusinessDeleted(context.Background(), pending.ID, true); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	res, err := newReconciler().Reconcile(context.Background(), mem, task.ID, ModeNormal)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Status != models.TaskTaskDone {
		t.Fatalf("expected TASK_DONE once pending business is deleted, got %s", res.Status)
	}
}

func TestModeSelectsWritePath(t *testing.T) {
	mem := storetest.NewMemory()
	task := seed(mem, models.TaskQueued, models.BusinessPending)

	if _, err := newReconciler().Reconcile(context.Background(), mem, task.ID, ModeForce); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if mem.Calls("ForceTaskStatus") != 1 || mem.Calls("SaveTask") != 0 {
		t.Fatalf("force mode should write directly, got force=%d save=%d", mem.Calls("ForceTaskStatus"), mem.Calls("SaveTask"))
	}
}

func TestReconcileTaskNotFound(t *testing.T) {
	mem := storetest.NewMemory()
	_, err := newReconciler().Reconcile(context.Background(), mem, 404, ModeNormal)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReconcilePropagatesPersistenceError(t *testing.T) {
	mem := storetest.NewMemory()
	task := seed(mem, models.TaskQueued, models.BusinessReviewed)
	boom := errors.New("disk full")
	mem.Fail["SaveTask"] = boom

	_, err := newReconciler().Reconcile(context.Background(), mem, task.ID, ModeNormal)
	if !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if mem.Task(task.ID).Status != models.TaskQueued {
		t.Fatalf("status must be unchanged after failed save")
	}
}

// staleTitleRepo hands out a task copy whose descriptive fields predate a
// concurrent edit.
type staleTitleRepo struct {
	*storetest.Memory
}

func (r staleTitleRepo) GetTask(ctx context.Context, id int64) (models.Task, error) {
	t, err := r.Memory.GetTask(ctx, id)
	t.ProjectTitle = "old title"
	t.DestinationName = "old destination"
	return t, err
}

func TestSaveLeavesDescriptiveFieldsAlone(t *testing.T) {
	mem := storetest.NewMemory()
	task := mem.AddTask(models.Task{Status: models.TaskPending, ProjectTitle: "Porto bakeries", DestinationName: "Porto"})
	mem.AddBusiness(task.ID, models.BusinessReviewed)

	res, err := newReconciler().Reconcile(context.Background(), staleTitleRepo{mem}, task.ID, ModeNormal)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Updated || res.Status != models.TaskDone {
		t.Fatalf("expected DONE, got %+v", res)
	}
	got := mem.Task(task.ID)
	if got.ProjectTitle != "Porto bakeries" || got.DestinationName != "Porto" {
		t.Fatalf("status save overwrote task fields: title=%q destination=%q", got.ProjectTitle, got.DestinationName)
	}
}
