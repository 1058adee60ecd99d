package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"github.com/turbolytics/observer/pkg/document"
	"github.com/turbolytics/observer/pkg/mirror"
)

type Stats struct {
	ConnectionHealthy bool      `json:"connection_healthy"`
	Topic             string    `json:"topic"`
	Brokers           string    `json:"brokers"`
	TotalMessages     int64     `json:"total_messages"`
	SkippedChanges    int64     `json:"skipped_changes"`
	WriteErrorCount   int64     `json:"write_error_count"`
	LastWriteAt       time.Time `json:"last_write_at,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}

// Message is the JSON value published for every mirror change.
type Message struct {
	Op        string             `json:"op"`
	Namespace string             `json:"ns"`
	ID        string             `json:"id"`
	Timestamp Timestamp          `json:"ts"`
	Changed   []string           `json:"changed,omitempty"`
	Document  *document.Document `json:"document,omitempty"`
	Previous  *document.Document `json:"previous,omitempty"`
}

type Timestamp struct {
	T uint32 `json:"t"`
	I uint32 `json:"i"`
}

type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

type Option func(*Publisher)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithWatchFields restricts publishing to changes that alter at least one of
// the given dotted paths.
func WithWatchFields(fields ...string) Option {
	return func(p *Publisher) {
		p.watch = append(p.watch, fields...)
	}
}

func withProducer(pr producer) Option {
	return func(p *Publisher) {
		p.producer = pr
	}
}

// Publisher is a mirror.Listener that publishes changes to a Kafka topic,
// keyed by document id.
type Publisher struct {
	config   kafka.ConfigMap
	producer producer
	topic    string
	watch    []string
	logger   *zap.Logger

	statsMu sync.RWMutex
	stats   Stats
}

// NewPublisher configures a publisher from a URL of the form
// kafka://broker:9092/topic?key=value, query parameters being passed to the
// producer config.
func NewPublisher(uri *url.URL, opts ...Option) (*Publisher, error) {
	topic := strings.TrimPrefix(uri.Path, "/")
	if topic == "" {
		return nil, fmt.Errorf("topic must be specified in URL path")
	}

	brokers := uri.Host
	if brokers == "" {
		return nil, fmt.Errorf("broker must be specified in URL host")
	}

	config := kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"client.id":         "observer-mirror",

		"acks":                                  "1",
		"retries":                               "3",
		"batch.size":                            "16384",
		"linger.ms":                             "5",
		"compression.type":                      "snappy",
		"max.in.flight.requests.per.connection": "5",

		"request.timeout.ms":  "5000",
		"delivery.timeout.ms": "10000",
	}

	for key, values := range uri.Query() {
		if len(values) > 0 {
			config[key] = values[0]
		}
	}

	p := &Publisher{
		topic:  topic,
		config: config,
		logger: zap.NewNop(),
		stats: Stats{
			Topic:   topic,
			Brokers: brokers,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Publisher) Config() kafka.ConfigMap {
	return p.config
}

func (p *Publisher) Connect(ctx context.Context) error {
	if p.producer != nil {
		p.setHealthy(true, "")
		return nil
	}

	pr, err := kafka.NewProducer(&p.config)
	if err != nil {
		p.setHealthy(false, err.Error())
		return err
	}
	p.producer = pr
	p.setHealthy(true, "")

	go func() {
		defer p.logger.Info("Producer event loop closed")

		for e := range pr.Events() {
			switch ev := e.(type) {
			case *kafka.Message:
				if ev.TopicPartition.Error != nil {
					p.logger.Error("Delivery failed", zap.Error(ev.TopicPartition.Error))
					p.recordError(ev.TopicPartition.Error)
				} else {
					p.logger.Debug("Message delivered",
						zap.String("topic", *ev.TopicPartition.Topic),
						zap.Int32("partition", ev.TopicPartition.Partition),
						zap.Int64("offset", int64(ev.TopicPartition.Offset)))
				}
			case kafka.Error:
				p.logger.Error("Producer error", zap.Error(ev))
			}
		}
	}()

	p.logger.Info("Kafka publisher connected",
		zap.String("topic", p.topic),
		zap.String("brokers", p.stats.Brokers))
	return nil
}

// Flush waits for outstanding messages, up to five seconds or the context
// deadline.
func (p *Publisher) Flush(ctx context.Context) error {
	if p.producer == nil {
		return nil
	}
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if n := p.producer.Flush(int(timeout.Milliseconds())); n > 0 {
		err := fmt.Errorf("%d messages still queued", n)
		p.recordError(err)
		return err
	}
	return nil
}

func (p *Publisher) Close(ctx context.Context) error {
	if p.producer != nil {
		p.producer.Flush(5000)
		p.producer.Close()
	}
	p.setHealthy(false, "")
	return nil
}

// OnChange publishes c unless a watch list is set and none of its fields
// changed.
func (p *Publisher) OnChange(ctx context.Context, c mirror.Change) error {
	if !Watches(p.watch, c) {
		p.statsMu.Lock()
		p.stats.SkippedChanges++
		p.statsMu.Unlock()
		return nil
	}

	key, value, err := Encode(c)
	if err != nil {
		p.recordError(err)
		return err
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &p.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   key,
		Value: value,
	}
	if err := p.producer.Produce(msg, nil); err != nil {
		p.recordError(err)
		return err
	}

	p.statsMu.Lock()
	p.stats.TotalMessages++
	p.stats.LastWriteAt = time.Now()
	p.stats.LastError = ""
	p.statsMu.Unlock()
	return nil
}

func (p *Publisher) Stats() Stats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

func (p *Publisher) setHealthy(ok bool, lastErr string) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.ConnectionHealthy = ok
	if lastErr != "" {
		p.stats.LastError = lastErr
	}
}

func (p *Publisher) recordError(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.WriteErrorCount++
	p.stats.LastError = err.Error()
}

// Encode renders the message key (the document id as relaxed Extended JSON)
// and JSON value for c.
func Encode(c mirror.Change) ([]byte, []byte, error) {
	id, err := mirror.FormatID(c.ID)
	if err != nil {
		return nil, nil, err
	}

	msg := Message{
		Op:        c.Op.String(),
		Namespace: c.Record.Namespace,
		ID:        id,
		Timestamp: Timestamp{T: c.Record.Timestamp.T, I: c.Record.Timestamp.I},
		Changed:   c.Delta.Paths(),
		Document:  c.After,
		Previous:  c.Before,
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, err
	}
	return []byte(id), value, nil
}

// Watches reports whether c alters any of fields. An empty list watches
// everything.
func Watches(fields []string, c mirror.Change) bool {
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		before, hadBefore := get(c.Before, f)
		after, hasAfter := get(c.After, f)
		if hadBefore != hasAfter || !document.Equal(before, after) {
			return true
		}
	}
	return false
}

func get(d *document.Document, path string) (any, bool) {
	if d == nil {
		return nil, false
	}
	return d.Get(path)
}
