package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/monitor"
)

// LogNotifier writes messages to the structured log instead of delivering them.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notifier")}
}

// Notify logs the message.
func (n *LogNotifier) Notify(_ context.Context, msg monitor.Message) error {
	n.logger.Info("practices accepting new patients",
		zap.String("message_id", msg.ID),
		zap.String("recipient", msg.Recipient),
		zap.String("group_key", msg.GroupKey),
		zap.Strings("target_ids", msg.TargetIDs()),
	)
	return nil
}

// PublisherNotifier hands messages to a topic for the external delivery service.
type PublisherNotifier struct {
	publisher monitor.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherNotifier constructs a PublisherNotifier.
func NewPublisherNotifier(publisher monitor.Publisher, topic string, logger *zap.Logger) *PublisherNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherNotifier{publisher: publisher, topic: topic, logger: logger.Named("notifier")}
}

// Notify publishes the message as JSON.
func (n *PublisherNotifier) Notify(ctx context.Context, msg monitor.Message) error {
	id, err := n.publisher.Publish(ctx, n.topic, msg)
	if err != nil {
		return fmt.Errorf("publish notification %s: %w", msg.ID, err)
	}
	n.logger.Debug("notification published",
		zap.String("message_id", msg.ID),
		zap.String("publish_id", id),
		zap.String("topic", n.topic),
	)
	return nil
}

// MemoryNotifier records messages; Fail, when set, decides per recipient whether to fail.
type MemoryNotifier struct {
	mu       sync.Mutex
	messages []monitor.Message
	Fail     func(recipient string) error
}

// NewMemoryNotifier constructs an empty MemoryNotifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

// Notify records the message unless Fail returns an error.
func (n *MemoryNotifier) Notify(_ context.Context, msg monitor.Message) error {
	if n.Fail != nil {
		if err := n.Fail(msg.Recipient); err != nil {
			return err
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (n *MemoryNotifier) Messages() []monitor.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]monitor.Message(nil), n.messages...)
}
