package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/store"
)

// SESSender delivers email messages via AWS SES.
type SESSender struct {
	client      *ses.Client
	defaultFrom string
	logger      *zap.Logger
}

// SESConfig holds SES sender settings.
type SESConfig struct {
	Region    string
	FromEmail string
}

// sesProviderConfig is the per-provider configuration blob for email
// providers. A provider may override the sender address.
type sesProviderConfig struct {
	FromEmail string `json:"from_email"`
}

// NewSESSender creates an SES email sender.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client:      ses.NewFromConfig(awsCfg),
		defaultFrom: cfg.FromEmail,
		logger:      logger,
	}, nil
}

// Send sends one email. Malformed content is terminal; SES call failures are
// transient so failover and backoff apply.
func (s *SESSender) Send(ctx context.Context, msg *store.QueuedMessage, provider *store.ChannelProvider) (*SendResult, error) {
	if msg.Channel != store.ChannelEmail {
		return nil, Terminal(provider.ID, fmt.Errorf("ses sender only supports email, got: %s", msg.Channel))
	}

	var content EmailContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		return nil, Terminal(provider.ID, fmt.Errorf("invalid email content: %w", err))
	}
	if content.To == "" {
		return nil, Terminal(provider.ID, fmt.Errorf("email content missing 'to' field"))
	}
	if content.Subject == "" {
		return nil, Terminal(provider.ID, fmt.Errorf("email content missing 'subject' field"))
	}

	from := s.defaultFrom
	var pcfg sesProviderConfig
	if len(provider.Config) > 0 {
		if err := json.Unmarshal(provider.Config, &pcfg); err == nil && pcfg.FromEmail != "" {
			from = pcfg.FromEmail
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{content.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(content.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(content.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, Transient(provider.ID, fmt.Errorf("ses send failed: %w", err))
	}

	s.logger.Info("email sent via SES",
		zap.Int64("queue_id", msg.ID),
		zap.String("to", content.To),
		zap.String("message_id", *result.MessageId),
	)

	return &SendResult{
		ProviderMessageID: *result.MessageId,
		Response:          "accepted by ses",
	}, nil
}

// SupportsChannel checks if this sender supports the email channel.
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == store.ChannelEmail
}
