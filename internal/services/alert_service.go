package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// Alerter notifies operators about critical security events
type Alerter interface {
	SendAlert(ctx context.Context, ev *models.SecurityEvent) error
}

// SESClient is the subset of the SES API used for alerts
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESAlerter mails critical events to the on-call recipients using AWS SES
type SESAlerter struct {
	client     SESClient
	sender     string
	recipients []string
	logger     *slog.Logger
}

// NewSESAlerter creates an alerter using the default AWS credential chain
func NewSESAlerter(ctx context.Context, region, sender string, recipients []string, logger *slog.Logger) (*SESAlerter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESAlerterWithClient(ses.NewFromConfig(cfg), sender, recipients, logger), nil
}

func NewSESAlerterWithClient(client SESClient, sender string, recipients []string, logger *slog.Logger) *SESAlerter {
	return &SESAlerter{
		client:     client,
		sender:     sender,
		recipients: recipients,
		logger:     logger,
	}
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

// alertBody renders a plain-text summary of ev
func alertBody(ev *models.SecurityEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Critical security event: %s\n\n", ev.Kind)
	fmt.Fprintf(&b, "Description:    %s\n", ev.Description)
	fmt.Fprintf(&b, "Event ID:       %s\n", ev.ID)
	fmt.Fprintf(&b, "Time:           %s\n", ev.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Subject:        %s\n", derefOr(ev.Subject, "-"))
	fmt.Fprintf(&b, "Source address: %s\n", derefOr(ev.SourceAddress, "-"))

	if len(ev.Metadata) > 0 {
		keys := make([]string, 0, len(ev.Metadata))
		for k := range ev.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\nDetails:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, ev.Metadata[k])
		}
	}

	b.WriteString("\nThis is an automated message from bastion.\n")
	return b.String()
}

// SendAlert sends one e-mail per event to every configured recipient
func (a *SESAlerter) SendAlert(ctx context.Context, ev *models.SecurityEvent) error {
	if len(a.recipients) == 0 {
		return nil
	}

	input := &ses.SendEmailInput{
		Source: aws.String(a.sender),
		Destination: &types.Destination{
			ToAddresses: a.recipients,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(fmt.Sprintf("[bastion] critical: %s", ev.Kind)),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(alertBody(ev)),
				},
			},
		},
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}

	a.logger.Info("critical alert sent",
		slog.String("event_id", ev.ID.String()),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}
