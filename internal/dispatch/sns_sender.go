package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/store"
)

// SNSSender delivers SMS (phone-number publish) and push (platform-endpoint
// publish) messages via AWS SNS.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

// SNSConfig holds SNS sender settings.
type SNSConfig struct {
	Region string
}

// snsProviderConfig is the per-provider configuration blob for SMS
// providers. SenderID shows up as the SMS originator where carriers allow it.
type snsProviderConfig struct {
	SenderID string `json:"sender_id"`
}

// NewSNSSender creates an SNS sender covering the sms and push channels.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send publishes one SMS or push message.
func (s *SNSSender) Send(ctx context.Context, msg *store.QueuedMessage, provider *store.ChannelProvider) (*SendResult, error) {
	switch msg.Channel {
	case store.ChannelSMS:
		return s.sendSMS(ctx, msg, provider)
	case store.ChannelPush:
		return s.sendPush(ctx, msg, provider)
	default:
		return nil, Terminal(provider.ID, fmt.Errorf("sns sender only supports sms and push, got: %s", msg.Channel))
	}
}

func (s *SNSSender) sendSMS(ctx context.Context, msg *store.QueuedMessage, provider *store.ChannelProvider) (*SendResult, error) {
	var content SMSContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		return nil, Terminal(provider.ID, fmt.Errorf("invalid sms content: %w", err))
	}
	if content.PhoneNumber == "" {
		return nil, Terminal(provider.ID, fmt.Errorf("sms content missing phone_number"))
	}
	if content.Message == "" {
		return nil, Terminal(provider.ID, fmt.Errorf("sms content missing message"))
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(content.PhoneNumber),
		Message:     aws.String(content.Message),
	}

	var pcfg snsProviderConfig
	if len(provider.Config) > 0 {
		if err := json.Unmarshal(provider.Config, &pcfg); err == nil && pcfg.SenderID != "" {
			input.MessageAttributes = map[string]types.MessageAttributeValue{
				"AWS.SNS.SMS.SenderID": {
					DataType:    aws.String("String"),
					StringValue: aws.String(pcfg.SenderID),
				},
			}
		}
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return nil, Transient(provider.ID, fmt.Errorf("sns publish failed: %w", err))
	}

	s.logger.Info("sms sent via SNS",
		zap.Int64("queue_id", msg.ID),
		zap.String("phone_number", content.PhoneNumber),
		zap.String("message_id", *result.MessageId),
	)

	return &SendResult{
		ProviderMessageID: *result.MessageId,
		Response:          "accepted by sns",
	}, nil
}

func (s *SNSSender) sendPush(ctx context.Context, msg *store.QueuedMessage, provider *store.ChannelProvider) (*SendResult, error) {
	var content PushContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		return nil, Terminal(provider.ID, fmt.Errorf("invalid push content: %w", err))
	}
	if content.TargetARN == "" {
		return nil, Terminal(provider.ID, fmt.Errorf("push content missing target_arn"))
	}

	body, err := json.Marshal(map[string]string{
		"title": content.Title,
		"body":  content.Body,
	})
	if err != nil {
		return nil, Terminal(provider.ID, fmt.Errorf("marshal push body: %w", err))
	}

	input := &sns.PublishInput{
		TargetArn: aws.String(content.TargetARN),
		Message:   aws.String(string(body)),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return nil, Transient(provider.ID, fmt.Errorf("sns publish failed: %w", err))
	}

	s.logger.Info("push sent via SNS",
		zap.Int64("queue_id", msg.ID),
		zap.String("target_arn", content.TargetARN),
		zap.String("message_id", *result.MessageId),
	)

	return &SendResult{
		ProviderMessageID: *result.MessageId,
		Response:          "accepted by sns",
	}, nil
}

// SupportsChannel checks if this sender supports the sms or push channel.
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == store.ChannelSMS || channel == store.ChannelPush
}
