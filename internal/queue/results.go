// Package queue provides the SQS producer that announces committed poll
// results to downstream consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"hermes/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ResultPublisher sends one message per committed scheduled result.
//
// FIFO queues (URL ending in ".fifo") are grouped by configuration so a
// consumer sees each configuration's results in fire order, and deduplicated
// by result id.
type ResultPublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewResultPublisher creates a publisher for queueURL.
func NewResultPublisher(client SQSSender, queueURL string, logger *slog.Logger) *ResultPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

// PublishResult serializes ev to JSON and sends it to the result queue.
func (p *ResultPublisher) PublishResult(ctx context.Context, ev types.ResultEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ResultEvent: %w", err)
	}

	outcome := types.OutcomeSuccess
	if !ev.IsSuccessful {
		outcome = types.OutcomeFailure
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"config_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.ConfigID),
			},
			"outcome": {
				DataType:    aws.String("String"),
				StringValue: aws.String(outcome),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(ev.ConfigID)
		input.MessageDeduplicationId = aws.String(ev.ResultID)
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send ResultEvent to %s: %w", p.queueURL, err)
	}

	p.logger.DebugContext(ctx, "result event sent",
		"queue_url", p.queueURL,
		"config_id", ev.ConfigID,
		"result_id", ev.ResultID,
		"fire_at", ev.FireAt,
		"outcome", outcome,
		"retired", ev.Retired,
	)
	return nil
}
