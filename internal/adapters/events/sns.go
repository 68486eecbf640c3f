package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"go.uber.org/zap"
)

// SNSAPI is the subset of the SNS client used here
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher sends events as JSON messages to one topic
type SNSPublisher struct {
	client   SNSAPI
	topicARN string
	logger   *zap.Logger
}

var _ ports.EventPublisher = (*SNSPublisher)(nil)

// NewSNSPublisher builds a publisher from the default AWS credential chain
func NewSNSPublisher(ctx context.Context, region, topicARN string, logger *zap.Logger) (*SNSPublisher, error) {
	if topicARN == "" {
		return nil, domain.NewConfigurationError("SNS topic ARN is required")
	}

	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSNSPublisherWithClient(sns.NewFromConfig(cfg), topicARN, logger), nil
}

// NewSNSPublisherWithClient uses an existing client
func NewSNSPublisherWithClient(client SNSAPI, topicARN string, logger *zap.Logger) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN, logger: logger}
}

// Publish sends the event. The event type and session id travel as message
// attributes so subscriptions can filter without parsing the body.
func (p *SNSPublisher) Publish(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"event_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(event.Type)),
		},
	}
	if event.SessionID != "" {
		attrs["session_id"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(event.SessionID),
		}
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish to %s: %w", p.topicARN, err)
	}

	p.logger.Debug("Event published to SNS",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
