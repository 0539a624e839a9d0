package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/arloliu/go-bhs/logger"
)

const (
	// DefaultQueueSize is the number of events buffered while the broker is slow or down.
	DefaultQueueSize = 1000

	produceTimeout = 5 * time.Second
	drainTimeout   = 5 * time.Second
)

var (
	// ErrQueueFull indicates that an event was dropped because the publish queue is full.
	ErrQueueFull = errors.New("kafka publish queue full")

	// ErrPublisherClosed indicates Publish after Close.
	ErrPublisherClosed = errors.New("kafka publisher closed")
)

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// RequiredAcks is -1 (all), 0 (none) or 1 (leader). Defaults to -1 when unset.
	RequiredAcks *int `yaml:"required_acks"`
	// MaxRetries defaults to 3.
	MaxRetries       int  `yaml:"max_retries"`
	AutoCreateTopics bool `yaml:"auto_create_topics"`
	// QueueSize defaults to DefaultQueueSize.
	QueueSize int `yaml:"queue_size"`
}

// messageWriter is the part of kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages keyed by channel, so the events of one channel
// stay ordered within a partition.
//
// Publish only queues the event. A single worker drains the queue with a synchronous writer,
// so a slow broker never delays the caller; when the queue is full the event is dropped.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewKafkaPublisher creates a publisher for cfg.Topic and starts its worker.
func NewKafkaPublisher(cfg KafkaConfig, l logger.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are empty")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is empty")
	}

	acks := kafka.RequireAll
	if cfg.RequiredAcks != nil {
		switch a := kafka.RequiredAcks(*cfg.RequiredAcks); a {
		case kafka.RequireAll, kafka.RequireNone, kafka.RequireOne:
			acks = a
		default:
			return nil, fmt.Errorf("kafka required_acks must be -1, 0 or 1, got %d", *cfg.RequiredAcks)
		}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           acks,
		Async:                  false,
		MaxAttempts:            cfg.MaxRetries,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: cfg.AutoCreateTopics,
	}

	return newKafkaPublisher(writer, cfg.Topic, cfg.QueueSize, l), nil
}

func newKafkaPublisher(w messageWriter, topic string, queueSize int, l logger.Logger) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if l == nil {
		l = logger.GetLogger()
	}

	p := &KafkaPublisher{
		writer: w,
		topic:  topic,
		logger: l.With("component", "kafka", "topic", topic),
		queue:  make(chan kafka.Message, queueSize),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(1)
	go p.worker()

	return p
}

// Publish queues ev. It returns ErrQueueFull when the event was dropped.
func (p *KafkaPublisher) Publish(_ context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{Key: []byte(ev.Channel), Value: value, Time: ev.Time}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPublisherClosed
	}

	select {
	case p.queue <- msg:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("%w: %s event dropped", ErrQueueFull, ev.Type)
	}
}

func (p *KafkaPublisher) worker() {
	defer p.wg.Done()

	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(p.ctx, produceTimeout)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()

		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("kafka produce failed", "key", string(msg.Key), "error", err)

			continue
		}
		p.sent.Add(1)
	}
}

// Stats returns the number of published, failed and dropped events.
func (p *KafkaPublisher) Stats() (sent, failed, dropped int64) {
	return p.sent.Load(), p.failed.Load(), p.dropped.Load()
}

// Close stops accepting events and closes the writer. Queued events get drainTimeout to be
// delivered; the rest are counted as failed.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		p.logger.Warn("kafka queue not drained, abort pending events", "pending", len(p.queue))
		p.cancel()
		<-done
	}
	p.cancel()

	return p.writer.Close()
}
