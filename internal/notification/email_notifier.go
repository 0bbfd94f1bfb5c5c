package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/fitsync/internal/config"
	"github.com/stanstork/fitsync/internal/models"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier alerts operators about sync jobs that failed or finished with gaps.
// Routine completions are not emailed.
type EmailNotifier struct {
	host       string
	port       int
	username   string
	password   string
	from       string
	recipients []string
	send       sendMailFunc
	logger     zerolog.Logger
}

func NewEmailNotifier(cfg config.EmailConfig, logger zerolog.Logger) (*EmailNotifier, error) {
	host := strings.TrimSpace(cfg.SMTPHost)
	from := strings.TrimSpace(cfg.From)
	if host == "" {
		return nil, fmt.Errorf("smtp_host is required for email notifier")
	}
	if from == "" {
		return nil, fmt.Errorf("from is required for email notifier")
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}

	return &EmailNotifier{
		host:       host,
		port:       port,
		username:   strings.TrimSpace(cfg.Username),
		password:   cfg.Password,
		from:       from,
		recipients: alertRecipients(cfg.AlertRecipients),
		send:       smtp.SendMail,
		logger:     logger.With().Str("notifier", "email").Logger(),
	}, nil
}

func (n *EmailNotifier) Notify(_ context.Context, notif models.Notification) error {
	if len(n.recipients) == 0 || notif.Severity == models.NotificationSeverityInfo {
		return nil
	}

	var auth smtp.Auth
	if n.username != "" {
		auth = smtp.PlainAuth("", n.username, n.password, n.host)
	}

	addr := fmt.Sprintf("%s:%d", n.host, n.port)
	if err := n.send(addr, auth, n.from, n.recipients, n.buildMessage(notif)); err != nil {
		return err
	}

	n.logger.Info().
		Str("notification_id", notif.ID).
		Str("owner_id", notif.OwnerID).
		Str("event_type", string(notif.EventType)).
		Strs("recipients", n.recipients).
		Msg("sync alert emailed")
	return nil
}

func (n *EmailNotifier) buildMessage(notif models.Notification) []byte {
	subject := "[FitSync] " + strings.TrimSpace(notif.Title)
	if strings.TrimSpace(notif.Title) == "" {
		subject = fmt.Sprintf("[FitSync] %s", notif.EventType)
	}

	var body strings.Builder
	body.WriteString(strings.TrimSpace(notif.Message))
	body.WriteString("\n\n")
	fmt.Fprintf(&body, "Owner: %s\n", notif.OwnerID)
	fmt.Fprintf(&body, "Event: %s\n", notif.EventType)
	fmt.Fprintf(&body, "Severity: %s\n", notif.Severity)
	fmt.Fprintf(&body, "Created: %s\n", notif.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if len(notif.Metadata) > 0 {
		fmt.Fprintf(&body, "Details: %s\n", string(notif.Metadata))
	}

	headers := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n",
		n.from, strings.Join(n.recipients, ","), subject)
	return []byte(headers + body.String())
}

func (n *EmailNotifier) String() string {
	return "EmailNotifier"
}
