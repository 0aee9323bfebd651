package utils

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// Mailer sends operational notices over SES.
type Mailer struct {
	client *ses.Client
	from   string
}

func NewMailer(ctx context.Context, region, from string) (*Mailer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &Mailer{client: ses.NewFromConfig(cfg), from: from}, nil
}

func (m *Mailer) sendEmail(to, subject, body string) error {
	input := &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
		Source: aws.String(m.from),
	}
	_, err := m.client.SendEmail(context.TODO(), input)
	if err != nil {
		return fmt.Errorf("email send failed: %w", err)
	}
	return nil
}

// SendDeadLetterNotice tells the user a queued operation gave up and is
// waiting for them to retry or discard it in the app.
func (m *Mailer) SendDeadLetterNotice(to, kind, reason string) error {
	subject := "An item in your food log needs attention"
	body := fmt.Sprintf(
		"A background %s operation could not complete after several retries:\n\n%s\n\nOpen the app to retry or discard it.",
		kind, reason,
	)
	return m.sendEmail(to, subject, body)
}
