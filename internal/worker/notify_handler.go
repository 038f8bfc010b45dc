package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"listing-curator/internal/config"
	"listing-curator/internal/logging"
	"listing-curator/internal/models"
	"listing-curator/internal/telemetry"
)

// MailSender delivers one message.
type MailSender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPSender sends mail through a plain SMTP relay with optional PLAIN auth.
type SMTPSender struct {
	addr string
	auth smtp.Auth
}

func NewSMTPSender(cfg config.Config) *SMTPSender {
	s := &SMTPSender{addr: net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort))}
	if cfg.SMTPUsername != "" {
		s.auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)
	}
	return s
}

func (s *SMTPSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(s.addr, s.auth, from, to, msg) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// NotifyHandler mails curators when a task reaches DONE or TASK_DONE.
type NotifyHandler struct {
	sender     MailSender
	from       string
	recipients []string
	logger     *slog.Logger
}

func NewNotifyHandler(sender MailSender, from string, recipients []string, logger *slog.Logger) *NotifyHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &NotifyHandler{sender: sender, from: from, recipients: recipients, logger: logger}
}

// Handle sends the message. With no recipients configured the job succeeds
// without sending.
func (h *NotifyHandler) Handle(ctx context.Context, job models.Job) error {
	taskID, ok := payloadInt64(job.Payload, "task_id")
	if !ok {
		return errors.New("payload task_id is required")
	}
	if len(h.recipients) == 0 || h.sender == nil {
		h.logger.Info("no notification recipients configured", "task_id", taskID)
		return nil
	}

	st, _ := job.Payload["status"].(string)
	title, _ := job.Payload["project_title"].(string)
	dest, _ := job.Payload["destination_name"].(string)
	completedAt, _ := job.Payload["completed_at"].(string)

	msg := buildTaskDoneMessage(h.from, h.recipients, taskID, models.TaskStatus(st), title, dest, completedAt)
	if err := h.sender.Send(ctx, h.from, h.recipients, msg); err != nil {
		telemetry.NotifyFailures.Inc()
		return fmt.Errorf("send task %d notification: %w", taskID, err)
	}
	telemetry.NotifySent.Inc()
	h.logger.Info("task completion mail sent", "task_id", taskID, "status", st, "recipients", len(h.recipients))
	return nil
}

func buildTaskDoneMessage(from string, to []string, taskID int64, st models.TaskStatus, title, destination, completedAt string) []byte {
	if title == "" {
		title = fmt.Sprintf("Task %d", taskID)
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s is %s\r\n", title, st.Label())
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Task %d (%s) reached %s.\r\n", taskID, title, st)
	if destination != "" {
		fmt.Fprintf(&b, "Destination: %s\r\n", destination)
	}
	if completedAt != "" {
		fmt.Fprintf(&b, "Completed at: %s\r\n", completedAt)
	}
	return b.Bytes()
}
