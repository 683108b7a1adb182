package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/errkind"
	"github.com/ignite/automation-engine/internal/pkg/logger"
)

var sesLog = logger.Component("ses")

// SESSender delivers messages through AWS SES using the SDK v2.
type SESSender struct {
	client *sesv2.Client
	region string
	events chan<- domain.EngagementEvent
}

// NewSESSender creates an SES sender with static credentials.
func NewSESSender(ctx context.Context, accessKey, secretKey, region string) (*SESSender, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(cfg), region: region}, nil
}

// SetEventSink wires the engagement stream. Variant-tagged sends emit a
// sent event so outcome counters track attempted deliveries; opens and
// clicks arrive later through the engagement webhook.
func (s *SESSender) SetEventSink(ch chan<- domain.EngagementEvent) {
	s.events = ch
}

// Send delivers a single message. Failures are classified so the
// retry executor can decide whether to try again.
func (s *SESSender) Send(ctx context.Context, msg Message) (*SendResult, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("subscriber_id"), Value: aws.String(msg.SubscriberID.String())},
		},
	}
	if msg.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}
	if msg.VariantID != nil {
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name: aws.String("variant_id"), Value: aws.String(msg.VariantID.String()),
		})
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		sesLog.Error("send failed", "recipient", msg.Email, "error", err)
		return nil, errkind.Wrap(classifySESError(err), err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	sesLog.Info("sent", "recipient", msg.Email, "message_id", messageID)

	if msg.VariantID != nil && s.events != nil {
		select {
		case s.events <- domain.EngagementEvent{
			VariantID:    *msg.VariantID,
			SubscriberID: msg.SubscriberID,
			Type:         domain.OutcomeSent,
			OccurredAt:   time.Now(),
		}:
		default:
			// Buffer full; engagement events are advisory here.
		}
	}

	return &SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}

// classifySESError maps SES API error codes onto retryable kinds.
// Throttling and server faults come back as smithy API errors, not
// net.Errors, so the generic classifier alone would treat them as
// permanent.
func classifySESError(err error) errkind.Kind {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "Throttling", "ThrottlingException",
			"LimitExceededException", "SendingPausedException":
			return errkind.ValidationRateLimited
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return errkind.Network
		}
	}
	return errkind.Classify(err)
}
