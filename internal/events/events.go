package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const envKafkaTLS = "CUSTODIA_EVENTS_KAFKA_TLS"

// Event is one versioned audit record. Every observable state transition in
// the approval engine, closure workflow, relay, and gas-credit ledger is
// published as one of these; the external anchoring utility consumes them.
type Event struct {
	Version string    `json:"version"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`

	Actor     string `json:"actor,omitempty"`
	RequestID uint64 `json:"requestId,omitempty"`
	ClosureID uint64 `json:"closureId,omitempty"`
	Status    string `json:"status,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Event kinds.
const (
	KindRequestCreated     = "request.created"
	KindRequestApproved    = "request.approved"
	KindRequestDistributed = "request.distributed"
	KindRequestQueued      = "request.queued"
	KindRequestCancelled   = "request.cancelled"
	KindClosureInitiated   = "closure.initiated"
	KindClosureApproved    = "closure.approved"
	KindClosureExecuted    = "closure.executed"
	KindClosureCancelled   = "closure.cancelled"
	KindRelayExecuted      = "relay.executed"
	KindRefundPaid         = "credit.refund_paid"
	KindBreakerTripped     = "breaker.tripped"
	KindBreakerReset       = "breaker.reset"
)

// Producer publishes raw payloads to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// ProducerConfig configures event producers.
type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("events: unsupported driver %q", cfg.Driver)
	}
}

// Emitter binds a producer to a topic and marshals events. A nil Emitter is
// valid and drops everything, so library code can publish unconditionally.
type Emitter struct {
	producer Producer
	topic    string
	now      func() time.Time
}

func NewEmitter(producer Producer, topic string, now func() time.Time) (*Emitter, error) {
	if producer == nil {
		return nil, errors.New("events: nil producer")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("events: topic is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Emitter{producer: producer, topic: topic, now: now}, nil
}

// Emit publishes one event. Audit publication is best-effort from the
// engines' perspective; persistent stores remain the source of truth.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	if e == nil {
		return nil
	}
	if ev.Version == "" {
		ev.Version = "v1"
	}
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	if err := e.producer.Publish(ctx, e.topic, payload); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Kind, err)
	}
	return nil
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func trimNonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SplitCommaList parses a comma-separated flag value, dropping blanks.
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return trimNonEmpty(strings.Split(s, ","))
}

// kafkaProducer writes each audit event as one message with full acks, so a
// reported publish is actually on the brokers.
type kafkaProducer struct {
	w *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := trimNonEmpty(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("events: kafka producer requires at least one broker")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if w.BatchTimeout <= 0 {
		w.BatchTimeout = 10 * time.Millisecond
	}
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		w.Transport = &kafka.Transport{TLS: &tls.Config{MinVersion: tls.VersionTLS12}}
	}
	return &kafkaProducer{w: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("events: topic is required")
	}
	return p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload})
}

func (p *kafkaProducer) Close() error {
	return p.w.Close()
}

// stdioProducer emits line-delimited JSON, mostly for dev runs and tests.
type stdioProducer struct {
	mu  sync.Mutex
	out io.Writer
}

func newStdioProducer(cfg ProducerConfig) Producer {
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	return &stdioProducer{out: out}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')
	_, err := p.out.Write(line)
	return err
}

func (p *stdioProducer) Close() error {
	return nil
}
