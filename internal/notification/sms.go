package notification

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/twilio/twilio-go"
	v2010 "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smukkama/safety-engine/internal/protocol"
	"github.com/smukkama/safety-engine/pkg/config"
)

// PhoneSource resolves the Monitor phone numbers of a protected user;
// satisfied by database.DB
type PhoneSource interface {
	MonitorPhones(ctx context.Context, protectedID string) ([]string, error)
}

type createMessageFunc func(params *v2010.CreateMessageParams) (*v2010.ApiV2010Message, error)

var smsTemplate = template.Must(template.New("sms").Parse(
	`SAFETY ALERT for {{.ProtectedID}}: {{.Reason}}.` +
		`{{if .Location}} Location: https://maps.google.com/?q={{.Location.Lat}},{{.Location.Lon}}{{end}}` +
		` Alert {{.AlertID}}`))

// SMSNotifier texts the Monitors of a protected user when an alert is
// escalated. Only escalations are texted.
type SMSNotifier struct {
	config     *config.SMSConfig
	recipients PhoneSource
	logger     *zap.Logger
	limiter    *rate.Limiter
	create     createMessageFunc
}

// NewSMSNotifier creates a Twilio-backed notifier
func NewSMSNotifier(cfg *config.SMSConfig, recipients PhoneSource, logger *zap.Logger) *SMSNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSNotifier{
		config:     cfg,
		recipients: recipients,
		logger:     logger,
		limiter:    newLimiter(cfg.RateLimit),
		create:     client.Api.CreateMessage,
	}
}

// RenderSMS builds the text for an escalation
func RenderSMS(n *protocol.AlertNotification) (string, error) {
	var buf bytes.Buffer
	if err := smsTemplate.Execute(&buf, n); err != nil {
		return "", fmt.Errorf("failed to render SMS template: %w", err)
	}
	return buf.String(), nil
}

func (s *SMSNotifier) Notify(ctx context.Context, n *protocol.AlertNotification) error {
	if n.Type != protocol.AlertEscalated {
		return nil
	}
	if !s.config.Enabled() {
		s.logger.Debug("SMS not configured, skipping", zap.String("alert_id", n.AlertID))
		return nil
	}

	to, err := s.recipients.MonitorPhones(ctx, n.ProtectedID)
	if err != nil {
		return fmt.Errorf("failed to load monitor phones of %s: %w", n.ProtectedID, err)
	}
	if len(to) == 0 {
		return nil
	}

	body, err := RenderSMS(n)
	if err != nil {
		return err
	}

	sent := 0
	var lastErr error
	for _, number := range to {
		if err := throttle(ctx, s.limiter); err != nil {
			return fmt.Errorf("SMS rate limit: %w", err)
		}

		params := &v2010.CreateMessageParams{}
		params.SetTo(number)
		params.SetFrom(s.config.FromNumber)
		params.SetBody(body)

		resp, err := s.create(params)
		if err != nil {
			s.logger.Warn("failed to send SMS", zap.String("to", number), zap.Error(err))
			lastErr = err
			continue
		}
		sent++

		sid := ""
		if resp != nil && resp.Sid != nil {
			sid = *resp.Sid
		}
		s.logger.Info("SMS sent",
			zap.String("to", number),
			zap.String("sid", sid),
			zap.String("alert_id", n.AlertID))
	}

	// Partial delivery counts as delivered
	if sent == 0 {
		return fmt.Errorf("failed to send SMS via Twilio: %w", lastErr)
	}
	return nil
}
