package worker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"listing-curator/internal/models"
)

type fakeSender struct {
	from string
	to   []string
	msg  string
	err  error
	sent int
}

func (f *fakeSender) Send(_ context.Context, from string, to []string, msg []byte) error {
	f.sent++
	f.from, f.to, f.msg = from, to, string(msg)
	return f.err
}

func notifyJob() models.Job {
	return models.Job{
		ID:   "n1",
		Type: models.JobNotifyTaskDone,
		Payload: map[string]any{
			"task_id":          float64(12),
			"status":           "TASK_DONE",
			"project_title":    "Porto bakeries",
			"destination_name": "Porto",
			"completed_at":     "2026-05-04T10:00:00Z",
		},
	}
}

func TestNotifyHandlerSendsMail(t *testing.T) {
	sender := &fakeSender{}
	h := NewNotifyHandler(sender, "curator@example.com", []string{"ops@example.com", "leads@example.com"}, nil)

	if err := h.Handle(context.Background(), notifyJob()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.sent != 1 || sender.from != "curator@example.com" || len(sender.to) != 2 {
		t.Fatalf("unexpected send %+v", sender)
	}
	for _, want := range []string{
		"Subject: Porto bakeries is LIVE ON APP",
		"To: ops@example.com, leads@example.com",
		"Task 12 (Porto bakeries) reached TASK_DONE.",
		"Destination: Porto",
		"Completed at: 2026-05-04T10:00:00Z",
	} {
		if !strings.Contains(sender.msg, want) {
			t.Fatalf("message missing %q:\n%s", want, sender.msg)
		}
	}
}

func TestNotifyHandlerWithoutRecipients(t *testing.T) {
	sender := &fakeSender{}
	h := NewNotifyHandler(sender, "curator@example.com", nil, nil)
	if err := h.Handle(context.Background(), notifyJob()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.sent != 0 {
		t.Fatalf("nothing should be sent")
	}
}

func TestNotifyHandlerReturnsSendError(t *testing.T) {
	boom := errors.New("421 service not available")
	h := NewNotifyHandler(&fakeSender{err: boom}, "curator@example.com", []string{"ops@example.com"}, nil)
	if err := h.Handle(context.Background(), notifyJob()); !errors.Is(err, boom) {
		t.Fatalf("expected send error for retry, got %v", err)
	}
}

func TestNotifyHandlerRequiresTaskID(t *testing.T) {
	h := NewNotifyHandler(&fakeSender{}, "a@example.com", []string{"b@example.com"}, nil)
	if err := h.Handle(context.Background(), models.Job{Payload: map[string]any{}}); err == nil {
		t.Fatalf("expected payload error")
	}
}
