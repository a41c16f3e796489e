package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/roach88/floorlog/internal/model"
)

// MessageWriter is the part of *kafka.Writer the feed uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
}

// KafkaFeed publishes every status change as JSON, keyed by work item code
// so one item's changes stay ordered within a partition.
type KafkaFeed struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaWriter creates a writer for a comma-separated broker list.
func NewKafkaWriter(brokersCSV, topic string) *kgo.Writer {
	return &kgo.Writer{
		Addr:         kgo.TCP(splitCSV(brokersCSV)...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
}

// NewKafkaFeed creates a feed over writer.
func NewKafkaFeed(writer MessageWriter, logger *slog.Logger) *KafkaFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaFeed{writer: writer, timeout: 3 * time.Second, logger: logger}
}

// QueueChanged implements syncqueue.Observer. Publish failures are logged;
// the feed is informational and never affects the queue.
func (k *KafkaFeed) QueueChanged(c model.StatusChange) {
	msg := MessageFor(c)
	b, err := json.Marshal(msg)
	if err != nil {
		k.logger.Error("encode status change", "event_id", msg.EventID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	err = k.writer.WriteMessages(ctx, kgo.Message{
		Key:   []byte(msg.WorkItemCode),
		Value: b,
		Time:  msg.At,
	})
	if err != nil {
		k.logger.Warn("publish status change", "event_id", msg.EventID, "to", msg.To, "error", err)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
