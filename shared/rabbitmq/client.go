package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection and topology configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	ExchangeName string
	ExchangeType string
	QueueName    string
	RoutingKey   string

	// Dead-letter topology: the task queue is declared with a
	// dead-letter exchange so messages that exhaust the delivery limit
	// land on the DLQ instead of being dropped.
	DeadLetterExchange   string
	DeadLetterQueue      string
	DeadLetterRoutingKey string

	// MaxDeliveryAttempts is enforced by the broker (quorum queue
	// delivery limit): once exceeded, the message is dead-lettered.
	MaxDeliveryAttempts int

	Durable           bool
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration

	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Client represents a RabbitMQ client owning one connection and channel
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected bool
}

// NewClient connects to RabbitMQ and declares the task and dead-letter
// topology
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:    config,
		logger:    logger,
		closeChan: make(chan *amqp.Error),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	for attempt := 1; attempt <= c.config.RetryAttempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.RetryAttempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < c.config.RetryAttempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", c.config.RetryAttempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup topology: %w", err)
	}

	c.closeChan = make(chan *amqp.Error)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true
	go c.monitorClose(c.closeChan)

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("dead_letter_queue", c.config.DeadLetterQueue),
	)

	return nil
}

// setup declares the task exchange/queue and the dead-letter
// exchange/queue, with bindings between them
func (c *Client) setup() error {
	// Task exchange
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,
		c.config.ExchangeType,
		c.config.Durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Dead-letter exchange
	err = c.channel.ExchangeDeclare(
		c.config.DeadLetterExchange,
		"direct",
		c.config.Durable,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	// Task queue: quorum queue with a delivery limit so the broker
	// dead-letters messages that keep failing, instead of redelivering
	// them forever.
	queueArgs := amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    c.config.DeadLetterExchange,
		"x-dead-letter-routing-key": c.config.DeadLetterRoutingKey,
	}
	if c.config.MaxDeliveryAttempts > 0 {
		queueArgs["x-delivery-limit"] = int32(c.config.MaxDeliveryAttempts)
	}

	_, err = c.channel.QueueDeclare(
		c.config.QueueName,
		c.config.Durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		queueArgs,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.QueueName,
		c.config.RoutingKey,
		c.config.ExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	// Dead-letter queue
	_, err = c.channel.QueueDeclare(
		c.config.DeadLetterQueue,
		c.config.Durable,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.DeadLetterQueue,
		c.config.DeadLetterRoutingKey,
		c.config.DeadLetterExchange,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	return nil
}

// Publish publishes a message to the task exchange
func (c *Client) Publish(ctx context.Context, body []byte, contentType string) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	err := c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName,
		c.config.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)

	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.Int("body_size", len(body)),
		slog.String("content_type", contentType),
	)

	return nil
}

// PublishWithRetry publishes with exponential backoff between attempts
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.channel.PublishWithContext(
			ctx,
			c.config.ExchangeName,
			c.config.RoutingKey,
			false,
			false,
			amqp.Publishing{
				ContentType:  contentType,
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
			},
		)

		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.Int("body_size", len(body)),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			backoffDelay := time.Duration(float64(baseDelay) * float64(uint(1)<<uint(attempt)))
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)
			time.Sleep(backoffDelay)
		}
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// Consume starts consuming messages from the task queue with manual
// acknowledgment
func (c *Client) Consume(consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error) {
	if !c.isConnected {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	if err := c.channel.Qos(prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := c.channel.Consume(
		c.config.QueueName,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", prefetchCount),
	)

	return messages, nil
}

// GetFromDeadLetter pulls a single message off the dead-letter queue
// without auto-ack. The second return value is false when the DLQ is
// empty.
func (c *Client) GetFromDeadLetter() (amqp.Delivery, bool, error) {
	if !c.isConnected {
		return amqp.Delivery{}, false, fmt.Errorf("not connected to RabbitMQ")
	}

	d, ok, err := c.channel.Get(c.config.DeadLetterQueue, false)
	if err != nil {
		return amqp.Delivery{}, false, fmt.Errorf("failed to get from dead-letter queue: %w", err)
	}
	return d, ok, nil
}

// QueueDepth returns the number of ready messages in the task queue
func (c *Client) QueueDepth() (int, error) {
	return c.depthOf(c.config.QueueName)
}

// DeadLetterDepth returns the number of messages waiting in the DLQ
func (c *Client) DeadLetterDepth() (int, error) {
	return c.depthOf(c.config.DeadLetterQueue)
}

func (c *Client) depthOf(queue string) (int, error) {
	if !c.isConnected {
		return 0, fmt.Errorf("not connected to RabbitMQ")
	}

	q, err := c.channel.QueueDeclarePassive(queue, c.config.Durable, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// DeliveryAttempts reads the broker-maintained delivery count from a
// message's headers. First delivery reports 1.
func DeliveryAttempts(d amqp.Delivery) int64 {
	if v, ok := d.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int64:
			return n + 1
		case int32:
			return int64(n) + 1
		case int:
			return int64(n) + 1
		}
	}
	return 1
}

// DeathInfo summarizes the x-death header the broker stamps onto
// dead-lettered messages
type DeathInfo struct {
	Count     int64
	Reason    string
	FirstTime time.Time
	LastTime  time.Time
}

// DeathInfoOf parses the x-death header of a dead-lettered message.
// Returns a zero-count DeathInfo when the header is absent or malformed.
func DeathInfoOf(d amqp.Delivery) DeathInfo {
	info := DeathInfo{}

	deaths, ok := d.Headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return info
	}

	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return info
	}

	if count, ok := first["count"].(int64); ok {
		info.Count = count
	}
	if reason, ok := first["reason"].(string); ok {
		info.Reason = reason
	}
	if t, ok := first["time"].(time.Time); ok {
		info.FirstTime = t
		info.LastTime = t
	}

	return info
}

// monitorClose marks the client disconnected when the broker closes the
// channel, so readiness probes surface the outage. Recovery is by
// process restart; the client does not re-dial on its own.
func (c *Client) monitorClose(closeChan chan *amqp.Error) {
	amqpErr, ok := <-closeChan
	if !ok {
		// Clean shutdown via Close.
		return
	}
	c.isConnected = false
	c.logger.Error("RabbitMQ channel closed by broker",
		slog.Int("code", amqpErr.Code),
		slog.String("reason", amqpErr.Reason),
	)
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

// GetChannel returns the channel for ack/nack operations
func (c *Client) GetChannel() *amqp.Channel {
	return c.channel
}
