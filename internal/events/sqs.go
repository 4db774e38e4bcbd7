package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/store"
)

// SQSConfig holds SQS export settings.
type SQSConfig struct {
	Region   string
	QueueURL string
}

// sqsEnvelope is the payload mirrored to SQS per audit event.
type sqsEnvelope struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	EventType  string `json:"event_type"`
	Detail     string `json:"detail,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
}

// SQSExporter mirrors audit events to an SQS queue so downstream consumers
// (reporting, provider webhook reconciliation) can follow the pipeline
// without reading the hot tables.
type SQSExporter struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewSQSExporter creates an SQS event exporter.
func NewSQSExporter(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*SQSExporter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs event exporter initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &SQSExporter{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Export sends one event to SQS.
func (e *SQSExporter) Export(ctx context.Context, event *store.Event) error {
	body, err := json.Marshal(sqsEnvelope{
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		EventType:  event.EventType,
		Detail:     event.Detail,
		OccurredAt: event.OccurredAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := e.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}
