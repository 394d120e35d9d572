// Package nats publishes and consumes events over JetStream.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"adaptivepay/internal/common/events"
)

// SubjectPrefix is prepended to every event type.
const SubjectPrefix = "events."

// CorrelationHeader carries the correlation ID of a published event.
const CorrelationHeader = "X-Correlation-ID"

// Config holds NATS configuration
type Config struct {
	Enabled       bool          `envconfig:"NATS_ENABLED" default:"true"`
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"adaptivepay"`
	Stream        string        `envconfig:"NATS_STREAM" default:"ADAPTIVEPAY"`
	PollConsumer  string        `envconfig:"NATS_POLL_CONSUMER" default:"adaptivepay-poller"`
	MaxAge        time.Duration `envconfig:"NATS_STREAM_MAX_AGE" default:"168h"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
}

// Client holds a NATS connection and its JetStream context.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// New connects to NATS.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			subject := ""
			if s != nil {
				subject = s.Subject
			}
			logger.Error("NATS error", "error", err, "subject", subject)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())

	return &Client{conn: conn, js: js, logger: logger}, nil
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("draining NATS connection", "error", err)
		c.conn.Close()
	}
}

// HealthCheck fails while the connection is down.
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("NATS not connected, status %s", c.conn.Status())
	}
	return nil
}

// StreamConfig defines a JetStream stream
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64
	Replicas int
}

// DefaultStreamConfig returns the stream for all events.paypal.* subjects.
func DefaultStreamConfig(cfg Config) StreamConfig {
	return StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{SubjectPrefix + "paypal.>"},
		MaxAge:   cfg.MaxAge,
		MaxBytes: 256 << 20,
		Replicas: 1,
	}
}

// EnsureStream creates or updates a stream. Duplicate publishes of the same
// event ID inside the window are dropped by the server.
func (c *Client) EnsureStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		Replicas:   cfg.Replicas,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("creating/updating stream %s: %w", cfg.Name, err)
	}

	c.logger.Info("stream ensured", "name", cfg.Name, "subjects", cfg.Subjects)
	return stream, nil
}

// ConsumerConfig defines a durable pull consumer
type ConsumerConfig struct {
	Name          string
	Stream        string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
}

// PollConsumerConfig returns the consumer for poll requests. Delayed
// redeliveries count as deliveries, so MaxDeliver is unbounded.
func PollConsumerConfig(cfg Config) ConsumerConfig {
	return ConsumerConfig{
		Name:          cfg.PollConsumer,
		Stream:        cfg.Stream,
		FilterSubject: SubjectPrefix + "paypal.*.poll_requested",
		MaxDeliver:    -1,
		AckWait:       2 * time.Minute,
	}
}

// EnsureConsumer creates or updates a consumer
func (c *Client) EnsureConsumer(ctx context.Context, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating/updating consumer %s: %w", cfg.Name, err)
	}

	c.logger.Info("consumer ensured",
		"name", cfg.Name,
		"stream", cfg.Stream,
		"filter", cfg.FilterSubject,
	)
	return consumer, nil
}

// Publisher implements events.EventPublisher on JetStream.
type Publisher struct {
	client *Client
	logger *slog.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Publish publishes event on Subject(event.Type), using the event ID for
// server side deduplication.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	msg, err := NewMsg(event)
	if err != nil {
		return err
	}

	ack, err := p.client.js.PublishMsg(ctx, msg, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"subject", msg.Subject,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

// NewMsg encodes event as a NATS message.
func NewMsg(event *events.Event) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}
	msg := nats.NewMsg(Subject(event.Type))
	msg.Data = data
	if event.CorrelationID != "" {
		msg.Header.Set(CorrelationHeader, event.CorrelationID)
	}
	return msg, nil
}

// Subject returns the subject an event type is published on
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// MessageHandler handles one decoded event. A nil error acknowledges it.
type MessageHandler func(ctx context.Context, event *events.Event) error

// RetryError asks the subscriber to redeliver the message after Delay
// instead of counting it as a failure.
type RetryError struct {
	Delay time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry after %s", e.Delay)
}

// RetryAfter returns an error that redelivers the message after d.
func RetryAfter(d time.Duration) error {
	return &RetryError{Delay: d}
}

// RetryDelay reports whether err asks for a delayed redelivery.
func RetryDelay(err error) (time.Duration, bool) {
	var retry *RetryError
	if errors.As(err, &retry) {
		return retry.Delay, true
	}
	return 0, false
}

// failureDelay backs off redelivery of messages whose handler failed.
const failureDelay = 30 * time.Second

// Subscriber feeds messages from a pull consumer to a handler.
type Subscriber struct {
	consumer jetstream.Consumer
	logger   *slog.Logger
}

// NewSubscriber creates a new event subscriber
func NewSubscriber(consumer jetstream.Consumer, logger *slog.Logger) *Subscriber {
	return &Subscriber{consumer: consumer, logger: logger}
}

// Start blocks, handling messages until ctx is canceled.
func (s *Subscriber) Start(ctx context.Context, handler MessageHandler) error {
	iter, err := s.consumer.Messages()
	if err != nil {
		return fmt.Errorf("getting message iterator: %w", err)
	}

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return err
			}
			s.logger.Error("error getting next message", "error", err)
			continue
		}
		s.handle(ctx, msg, handler)
	}
}

func (s *Subscriber) handle(ctx context.Context, msg jetstream.Msg, handler MessageHandler) {
	var event events.Event
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		// Redelivering cannot fix a malformed payload.
		s.logger.Error("dropping undecodable message", "error", err, "subject", msg.Subject())
		_ = msg.Term()
		return
	}

	err := handler(ctx, &event)
	if err == nil {
		if err := msg.Ack(); err != nil {
			s.logger.Error("error acknowledging message", "error", err, "event_id", event.ID)
		}
		return
	}

	delay, retry := RetryDelay(err)
	if !retry {
		s.logger.Error("error handling event",
			"error", err,
			"event_id", event.ID,
			"type", event.Type,
		)
		delay = failureDelay
	}
	if err := msg.NakWithDelay(delay); err != nil {
		s.logger.Error("error delaying message", "error", err, "event_id", event.ID)
	}
}
