package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-gateway/pkg/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	sqsTopicAttribute = "topic"
	sqsQueueCacheTTL  = 10 * time.Second
)

// SQSAPI is the subset of the SQS client the broker calls.
type SQSAPI interface {
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, opts ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	DeleteQueue(ctx context.Context, in *sqs.DeleteQueueInput, opts ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
	ListQueues(ctx context.Context, in *sqs.ListQueuesInput, opts ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQS emulates broadcast over point-to-point queues: every subscribing
// process owns the queue <prefix>-<nodeID> and publishers send a copy to
// every queue under the prefix.
type SQS struct {
	api    SQSAPI
	prefix string
	name   string

	mu       sync.Mutex
	ownURL   string
	queues   []string
	listedAt time.Time

	logger *slog.Logger
}

func NewSQS(ctx context.Context, cfg config.SQSBrokerConfig, nodeID int64, logger *slog.Logger) (*SQS, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSQSFromAPI(client, cfg.QueuePrefix, nodeID, logger), nil
}

func NewSQSFromAPI(api SQSAPI, prefix string, nodeID int64, logger *slog.Logger) *SQS {
	return &SQS{
		api:    api,
		prefix: prefix,
		name:   fmt.Sprintf("%s-%d", prefix, nodeID),
		logger: logger.With(slog.String("component", "broker_sqs")),
	}
}

func (b *SQS) queueURLs(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Since(b.listedAt) < sqsQueueCacheTTL && b.queues != nil {
		return b.queues, nil
	}
	var urls []string
	in := &sqs.ListQueuesInput{QueueNamePrefix: aws.String(b.prefix + "-")}
	for {
		out, err := b.api.ListQueues(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("list queues: %w", err)
		}
		urls = append(urls, out.QueueUrls...)
		if out.NextToken == nil {
			break
		}
		in.NextToken = out.NextToken
	}
	b.queues, b.listedAt = urls, time.Now()
	return urls, nil
}

func (b *SQS) Publish(ctx context.Context, topic string, payload []byte) error {
	urls, err := b.queueURLs(ctx)
	if err != nil {
		return err
	}
	var errList []error
	for _, u := range urls {
		_, err := b.api.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(u),
			MessageBody: aws.String(string(payload)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				sqsTopicAttribute: {DataType: aws.String("String"), StringValue: aws.String(topic)},
			},
		})
		if err != nil {
			errList = append(errList, fmt.Errorf("send to %s: %w", u, err))
		}
	}
	return errors.Join(errList...)
}

func (b *SQS) ensureQueue(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ownURL != "" {
		return b.ownURL, nil
	}
	out, err := b.api.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(b.name)})
	if err != nil {
		return "", fmt.Errorf("create queue %s: %w", b.name, err)
	}
	b.ownURL = aws.ToString(out.QueueUrl)
	// force a fresh listing so this process publishes to itself too
	b.listedAt = time.Time{}
	return b.ownURL, nil
}

func (b *SQS) Subscribe(ctx context.Context, h Handler, topics ...string) error {
	wanted := topicSet(topics)
	return consumeLoop(ctx, b.logger, func(ctx context.Context) (bool, error) {
		queueURL, err := b.ensureQueue(ctx)
		if err != nil {
			return false, err
		}
		b.logger.Info("Subscribed", slog.String("queue", queueURL), slog.Any("topics", topics))

		delivered := false
		for {
			out, err := b.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:              aws.String(queueURL),
				MaxNumberOfMessages:   10,
				WaitTimeSeconds:       20,
				MessageAttributeNames: []string{sqsTopicAttribute},
			})
			if err != nil {
				return delivered, err
			}
			for _, m := range out.Messages {
				topic := ""
				if attr, ok := m.MessageAttributes[sqsTopicAttribute]; ok {
					topic = aws.ToString(attr.StringValue)
				}
				if _, ok := wanted[topic]; ok {
					delivered = true
					h(ctx, Message{Topic: topic, Payload: []byte(aws.ToString(m.Body))})
				}
				if _, err := b.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(queueURL),
					ReceiptHandle: m.ReceiptHandle,
				}); err != nil {
					b.logger.Warn("Failed to delete message", slog.Any("error", err))
				}
			}
		}
	})
}

// Close deletes this process's queue.
func (b *SQS) Close() error {
	b.mu.Lock()
	queueURL := b.ownURL
	b.ownURL = ""
	b.mu.Unlock()
	if queueURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.api.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(queueURL)})
	return err
}
