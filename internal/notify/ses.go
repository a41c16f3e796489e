package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/roach88/floorlog/internal/model"
)

// EmailAPI is the part of the SES v2 client the alerter uses.
type EmailAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Alerter emails operators when an entry needs them: Failed entries and
// Conflicted ones. Other changes are ignored.
type Alerter struct {
	client  EmailAPI
	from    string
	to      []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewAlerter creates an alerter sending from one address to recipients.
func NewAlerter(client EmailAPI, from string, to []string, logger *slog.Logger) (*Alerter, error) {
	if from == "" {
		return nil, fmt.Errorf("alert sender address is required")
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("at least one alert recipient is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{client: client, from: from, to: to, timeout: 10 * time.Second, logger: logger}, nil
}

// NewSESClient creates an SES v2 client from an AWS configuration.
func NewSESClient(cfg aws.Config) *sesv2.Client {
	return sesv2.NewFromConfig(cfg)
}

// QueueChanged implements syncqueue.Observer.
func (a *Alerter) QueueChanged(c model.StatusChange) {
	if c.To != model.SyncFailed && c.To != model.SyncConflicted {
		return
	}
	subject, body := alertText(c)

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	_, err := a.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(a.from),
		Destination: &types.Destination{
			ToAddresses: a.to,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		a.logger.Warn("send sync alert", "event_id", c.Entry.EventID, "error", err)
	}
}

func alertText(c model.StatusChange) (string, string) {
	e := c.Entry
	subject := fmt.Sprintf("[floorlog] %s %s: sync %s", e.WorkItemCode, e.EventID, strings.ToLower(string(c.To)))

	var b strings.Builder
	fmt.Fprintf(&b, "Work item: %s\n", e.WorkItemCode)
	fmt.Fprintf(&b, "Event: %s (seq %d)\n", e.EventID, e.Seq)
	fmt.Fprintf(&b, "Status: %s -> %s at %s\n", c.From, c.To, c.At.Format(time.RFC3339))
	fmt.Fprintf(&b, "Attempts: %d\n", e.AttemptCount)
	if e.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", e.LastError)
	}
	switch c.To {
	case model.SyncConflicted:
		b.WriteString("\nResolve with: floorlog queue resolve <entry> --discard | --resubmit\n")
	case model.SyncFailed:
		b.WriteString("\nRe-arm with: floorlog queue retry <entry>\n")
	}
	return subject, b.String()
}
