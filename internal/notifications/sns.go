// Package notifications publishes quota alerts.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/felipepmaragno/chatcore/internal/quota"
)

type NotificationType string

const (
	NotificationQuotaWarning  NotificationType = "quota_warning"
	NotificationQuotaCritical NotificationType = "quota_critical"
	NotificationQuotaExceeded NotificationType = "quota_exceeded"
)

type Notification struct {
	Type    NotificationType `json:"type"`
	Scope   string           `json:"scope,omitempty"`
	Message string           `json:"message"`
	Data    map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   snsAPI
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{client: sns.NewFromConfig(cfg), topicArn: topicArn}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}
	if notification.Scope != "" {
		input.MessageAttributes["Scope"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.Scope),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent", "type", notification.Type, "scope", notification.Scope)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.notifications))
	copy(out, n.notifications)
	return out
}

// FromAlert converts a quota alert into a notification.
func FromAlert(alert quota.Alert) Notification {
	var typ NotificationType
	switch alert.Level {
	case quota.AlertLevelExceeded:
		typ = NotificationQuotaExceeded
	case quota.AlertLevelCritical:
		typ = NotificationQuotaCritical
	default:
		typ = NotificationQuotaWarning
	}

	return Notification{
		Type:    typ,
		Scope:   alert.Scope,
		Message: fmt.Sprintf("premium requests at %.0f%% (%.0f of %.0f)", alert.Percentage, alert.Used, alert.Quota),
		Data: map[string]any{
			"quota":       alert.Quota,
			"used":        alert.Used,
			"percentage":  alert.Percentage,
			"overage_usd": alert.OverageUSD,
			"timestamp":   alert.Timestamp.Format(time.RFC3339),
		},
	}
}

// AlertHandler publishes alerts through n. Alert handlers have no context,
// so each publish gets its own timeout.
func AlertHandler(n Notifier, timeout time.Duration) quota.AlertHandler {
	return func(alert quota.Alert) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := n.Send(ctx, FromAlert(alert)); err != nil {
			slog.Error("failed to publish quota alert", "scope", alert.Scope, "level", alert.Level, "error", err)
		}
	}
}
