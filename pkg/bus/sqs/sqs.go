// Package sqs implements the completion bus on Amazon SQS.
//
// Agents and the tracker share one standard queue: agents send, the tracker
// long-polls. SQS redelivers a message whose visibility timeout expires
// before it is deleted, which provides the at-least-once contract.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/3leaps/godetonate/pkg/bus"
)

// API is the subset of the SQS client used by the bus.
type API interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config configures the bus.
type Config struct {
	// Queue is a queue name or full queue URL.
	Queue string

	// WaitTime is the long-poll duration (max 20s).
	WaitTime time.Duration

	// Visibility hides a received message from other consumers until it is
	// deleted or the timeout lapses. Zero uses the queue default.
	Visibility time.Duration

	// RetryDelay is the pause after a failed ReceiveMessage call.
	RetryDelay time.Duration

	Logger *zap.Logger
}

// Bus publishes to and consumes from one SQS queue.
type Bus struct {
	api    API
	cfg    Config
	logger *zap.Logger

	// url is set once resolved; failed lookups are not cached.
	urlMu sync.Mutex
	url   string
}

var (
	_ bus.Publisher  = (*Bus)(nil)
	_ bus.Subscriber = (*Bus)(nil)
)

// New returns a Bus over api.
func New(api API, cfg Config) (*Bus, error) {
	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, errors.New("sqs: queue is required")
	}
	if cfg.WaitTime <= 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{api: api, cfg: cfg, logger: logger}, nil
}

// NewFromConfig builds a Bus with a real SQS client. endpoint overrides the
// service endpoint when non-empty.
func NewFromConfig(awsCfg aws.Config, endpoint string, cfg Config) (*Bus, error) {
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client, cfg)
}

func (b *Bus) queueURL(ctx context.Context) (string, error) {
	if strings.HasPrefix(b.cfg.Queue, "https://") || strings.HasPrefix(b.cfg.Queue, "http://") {
		return b.cfg.Queue, nil
	}

	b.urlMu.Lock()
	defer b.urlMu.Unlock()
	if b.url != "" {
		return b.url, nil
	}
	out, err := b.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(b.cfg.Queue)})
	if err != nil {
		return "", fmt.Errorf("sqs: resolve queue %s: %w", b.cfg.Queue, err)
	}
	b.url = aws.ToString(out.QueueUrl)
	return b.url, nil
}

// pause waits RetryDelay. It returns ctx.Err() if ctx ends first.
func (b *Bus) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.cfg.RetryDelay):
		return nil
	}
}

// Publish sends ev as a JSON message body.
func (b *Bus) Publish(ctx context.Context, ev bus.CompletionEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	url, err := b.queueURL(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sqs: encode event: %w", err)
	}
	_, err = b.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"action": {DataType: aws.String("String"), StringValue: aws.String(ev.Action)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs: send event for %s: %w", ev.JobUUID, err)
	}
	return nil
}

// Receive long-polls the queue until ctx is done. A message is deleted after
// h returns nil or when its body is not a valid event. Failures to resolve the
// queue or to receive are logged and retried after RetryDelay.
func (b *Bus) Receive(ctx context.Context, h bus.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		url, err := b.queueURL(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("Queue URL lookup failed", zap.String("queue", b.cfg.Queue), zap.Error(err))
			if err := b.pause(ctx); err != nil {
				return err
			}
			continue
		}

		in := &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(url),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     int32(b.cfg.WaitTime / time.Second),
		}
		if b.cfg.Visibility > 0 {
			in.VisibilityTimeout = int32(b.cfg.Visibility / time.Second)
		}

		out, err := b.api.ReceiveMessage(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("ReceiveMessage failed", zap.Error(err))
			if err := b.pause(ctx); err != nil {
				return err
			}
			continue
		}

		for _, msg := range out.Messages {
			b.dispatch(ctx, url, msg, h)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, url string, msg types.Message, h bus.Handler) {
	var ev bus.CompletionEvent
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &ev); err != nil {
		b.logger.Warn("Dropping undecodable message", zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
		b.ack(ctx, url, msg)
		return
	}
	if err := ev.Validate(); err != nil {
		b.logger.Warn("Dropping invalid completion event", zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
		b.ack(ctx, url, msg)
		return
	}
	if err := h(ctx, ev); err != nil {
		b.logger.Warn("Handler failed, leaving message for redelivery",
			zap.String("job_uuid", ev.JobUUID),
			zap.String("message_id", aws.ToString(msg.MessageId)),
			zap.Error(err))
		return
	}
	b.ack(ctx, url, msg)
}

func (b *Bus) ack(ctx context.Context, url string, msg types.Message) {
	_, err := b.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		b.logger.Warn("DeleteMessage failed", zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
	}
}
