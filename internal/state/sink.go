package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Notification is a progress or failure message about a run.
type Notification struct {
	RunID   string    `json:"run_id"`
	Stage   string    `json:"stage,omitempty"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	Cost    float64   `json:"cost_usd"`
	Refund  bool      `json:"refund_required,omitempty"`
	At      time.Time `json:"at"`
}

// Sink receives run notifications. Publishing is best effort: callers log
// errors and carry on.
type Sink interface {
	Publish(ctx context.Context, n Notification) error
}

// LogSink writes notifications to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(_ context.Context, n Notification) error {
	s.Logger.Info("run notification",
		"run_id", n.RunID, "stage", n.Stage, "status", n.Status,
		"cost_usd", n.Cost, "refund_required", n.Refund, "message", n.Message)
	return nil
}

// MultiSink fans a notification out to every sink.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SNSAPI is the subset of the SNS client the sink uses.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes notifications as JSON to an SNS topic, with status and
// refund flags as message attributes for subscription filtering.
type SNSSink struct {
	client   SNSAPI
	topicARN string
}

func NewSNSSink(ctx context.Context, topicARN, region string) (*SNSSink, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("sns sink requires a topic ARN")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewSNSSinkWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

func NewSNSSinkWithClient(client SNSAPI, topicARN string) *SNSSink {
	return &SNSSink{client: client, topicARN: topicARN}
}

func (s *SNSSink) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	refund := "false"
	if n.Refund {
		refund = "true"
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(fmt.Sprintf("adreel run %s %s", n.RunID, n.Status)),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"status":          {DataType: aws.String("String"), StringValue: aws.String(n.Status)},
			"refund_required": {DataType: aws.String("String"), StringValue: aws.String(refund)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.topicARN, err)
	}
	return nil
}
