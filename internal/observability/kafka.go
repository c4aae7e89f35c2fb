package observability

import (
	"context"
	"encoding/json"
	"time"

	"amp-controller/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// MessageWriter is the subset of *kafka.Writer the reporter uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// KafkaReporter streams tick reports to a Kafka topic from its own goroutine.
// Report never blocks: when the buffer is full the report is dropped.
type KafkaReporter struct {
	writer  MessageWriter
	logger  *logrus.Logger
	metrics *Metrics
	queue   chan models.TickReport
	timeout time.Duration
}

func NewKafkaReporter(writer MessageWriter, buffer int, metrics *Metrics, logger *logrus.Logger) *KafkaReporter {
	if buffer <= 0 {
		buffer = 64
	}
	return &KafkaReporter{
		writer:  writer,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan models.TickReport, buffer),
		timeout: 5 * time.Second,
	}
}

func (k *KafkaReporter) Report(report models.TickReport) {
	select {
	case k.queue <- report:
	default:
		k.metrics.ReportDropped("kafka")
		k.logger.Debugf("Kafka reporter: queue full, dropping tick %s", report.ID)
	}
}

func (k *KafkaReporter) Start(ctx context.Context) {
	k.logger.Info("Starting Kafka tick reporter")
	defer func() {
		if err := k.writer.Close(); err != nil {
			k.logger.Warnf("Kafka reporter: closing writer: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("Stopping Kafka tick reporter")
			k.drain()
			return
		case report := <-k.queue:
			k.write(ctx, report)
		}
	}
}

// drain writes what is still queued, bounded by one write timeout overall.
func (k *KafkaReporter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	for {
		select {
		case report := <-k.queue:
			if ctx.Err() != nil {
				k.logger.Warnf("Kafka reporter: dropping %d queued report(s) at shutdown", len(k.queue)+1)
				return
			}
			k.write(ctx, report)
		default:
			return
		}
	}
}

func (k *KafkaReporter) write(ctx context.Context, report models.TickReport) {
	value, err := json.Marshal(report)
	if err != nil {
		k.logger.Errorf("Kafka reporter: encoding tick %s: %v", report.ID, err)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	msg := kafka.Message{Key: []byte(report.State), Value: value, Time: report.At}
	if err := k.writer.WriteMessages(writeCtx, msg); err != nil {
		k.logger.Warnf("Kafka reporter: writing tick %s: %v", report.ID, err)
	}
}
