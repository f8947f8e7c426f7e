package notification

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smukkama/safety-engine/internal/protocol"
	"github.com/smukkama/safety-engine/pkg/config"
)

// RecipientSource resolves the Monitors of a protected user; satisfied by
// database.DB
type RecipientSource interface {
	MonitorEmails(ctx context.Context, protectedID string) ([]string, error)
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// sendGridClient is satisfied by *sendgrid.Client
type sendGridClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

var escalatedTemplate = template.Must(template.New("escalated").Parse(`
Safety Alert
============

Protected user: {{.ProtectedID}}
Alert: {{.Kind}}
Reason: {{.Reason}}
Time: {{.Timestamp.Format "2006-01-02 15:04:05 MST"}}
Alert ID: {{.AlertID}}
{{if .Location}}Last known location: https://maps.google.com/?q={{.Location.Lat}},{{.Location.Lon}}
{{else}}Location: unknown
{{end}}
The countdown expired without the PIN being entered. A short video is
being recorded on the device and will be sent as soon as it is uploaded.

---
Safety Engine Notification System
`))

var videoTemplate = template.Must(template.New("video").Parse(`
Safety Alert: Video Available
=============================

Protected user: {{.ProtectedID}}
Alert ID: {{.AlertID}}
Video: {{.VideoURL}}

---
Safety Engine Notification System
`))

// EmailNotifier mails the Monitors of a protected user when an alert is
// escalated and when its video arrives
type EmailNotifier struct {
	config     *config.SMTPConfig
	recipients RecipientSource
	logger     *zap.Logger
	limiter    *rate.Limiter
	send       sendFunc
	sendGrid   sendGridClient
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg *config.SMTPConfig, recipients RecipientSource, logger *zap.Logger) *EmailNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &EmailNotifier{
		config:     cfg,
		recipients: recipients,
		logger:     logger,
		limiter:    newLimiter(cfg.RateLimit),
		send:       smtp.SendMail,
	}
	if cfg.Provider == "sendgrid" {
		e.sendGrid = sendgrid.NewSendClient(cfg.SendGridAPIKey)
	}
	return e
}

// Notify sends the e-mail for a notification. Countdown and cancel
// notifications are not mailed and return nil.
func (e *EmailNotifier) Notify(ctx context.Context, n *protocol.AlertNotification) error {
	subject, body, err := Render(n)
	if err != nil {
		return err
	}
	if subject == "" {
		return nil
	}

	to, err := e.recipients.MonitorEmails(ctx, n.ProtectedID)
	if err != nil {
		return fmt.Errorf("failed to load monitors of %s: %w", n.ProtectedID, err)
	}
	if len(to) == 0 {
		e.logger.Warn("protected user has no monitors to notify",
			zap.String("protected_id", n.ProtectedID),
			zap.String("alert_id", n.AlertID))
		return nil
	}

	return e.sendEmail(ctx, to, subject, body)
}

// Render builds the subject and body for a notification. An empty subject
// means the notification is not mailed.
func Render(n *protocol.AlertNotification) (subject, body string, err error) {
	var tmpl *template.Template
	switch n.Type {
	case protocol.AlertEscalated:
		subject = fmt.Sprintf("SAFETY ALERT - %s", n.Reason)
		tmpl = escalatedTemplate
	case protocol.AlertVideoAttached:
		subject = fmt.Sprintf("Safety alert video - alert %s", n.AlertID)
		tmpl = videoTemplate
	case protocol.AlertCountdownStarted, protocol.AlertCanceled:
		return "", "", nil
	default:
		return "", "", fmt.Errorf("unknown notification type: %s", n.Type)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, n); err != nil {
		return "", "", fmt.Errorf("failed to render email template: %w", err)
	}
	return subject, buf.String(), nil
}

func (e *EmailNotifier) sendEmail(ctx context.Context, to []string, subject, body string) error {
	if !e.config.Enabled() {
		e.logger.Info("email not configured, skipping",
			zap.Strings("to", to),
			zap.String("subject", subject))
		return nil
	}
	if err := throttle(ctx, e.limiter); err != nil {
		return fmt.Errorf("email rate limit: %w", err)
	}

	var err error
	if e.config.Provider == "sendgrid" {
		err = e.sendViaSendGrid(ctx, to, subject, body)
	} else {
		err = e.sendViaSMTP(to, subject, body)
	}
	if err != nil {
		return err
	}

	e.logger.Info("email sent",
		zap.String("provider", e.config.Provider),
		zap.Strings("to", to),
		zap.String("subject", subject))
	return nil
}

func (e *EmailNotifier) sendViaSMTP(to []string, subject, body string) error {
	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", strings.Join(to, ", "))
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n"
	message += body

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, auth, e.config.From, to, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// sendViaSendGrid sends one message with every Monitor as a recipient
func (e *EmailNotifier) sendViaSendGrid(ctx context.Context, to []string, subject, body string) error {
	p := mail.NewPersonalization()
	for _, addr := range to {
		p.AddTos(mail.NewEmail("", addr))
	}

	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(e.config.FromName, e.config.From))
	message.Subject = subject
	message.AddPersonalizations(p)
	message.AddContent(mail.NewContent("text/plain", body))

	resp, err := e.sendGrid.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email via SendGrid: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("SendGrid rejected email: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// TestConnection tests the SMTP connection. SendGrid is not probed.
func (e *EmailNotifier) TestConnection() error {
	if !e.config.Enabled() {
		return fmt.Errorf("email not configured")
	}
	if e.config.Provider == "sendgrid" {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	return nil
}
