package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/config"
	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

const confirmTimeout = 5 * time.Second

// AMQPSink publishes announcements to a topic exchange with publisher
// confirms.
type AMQPSink struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  config.AMQPConfig
	queue   string
	log     *zap.Logger
	mu      sync.RWMutex
}

// NewAMQPSink dials the broker and declares the exchange, queue and binding.
func NewAMQPSink(cfg config.AMQPConfig, queue string, log *zap.Logger) (*AMQPSink, error) {
	s := &AMQPSink{
		config: cfg,
		queue:  queue,
		log:    logger.OrNop(log).Named("amqp"),
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := amqp.Dial(s.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	if err := ch.ExchangeDeclare(
		s.config.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if s.queue != "" {
		if _, err := ch.QueueDeclare(
			s.queue, // name
			true,    // durable
			false,   // delete when unused
			false,   // exclusive
			false,   // no-wait
			amqp.Table{
				"x-message-ttl": 86400000, // 24 hours
			},
		); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("failed to declare queue: %w", err)
		}
		if err := ch.QueueBind(s.queue, s.config.RoutingKey+".#", s.config.Exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("failed to bind queue: %w", err)
		}
	}

	s.conn = conn
	s.channel = ch

	s.log.Info("Connected to RabbitMQ",
		zap.String("exchange", s.config.Exchange),
		zap.String("queue", s.queue),
	)
	return nil
}

// RoutingKey returns the routing key for an announcement: the configured
// prefix followed by the subscriber group, so consumers can bind per group.
func (s *AMQPSink) RoutingKey(a models.Announcement) string {
	return s.config.RoutingKey + "." + a.GroupID
}

func (s *AMQPSink) Deliver(ctx context.Context, a models.Announcement) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.channel == nil {
		return fmt.Errorf("channel is not initialized")
	}

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}

	confirm, err := s.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		s.config.Exchange,
		s.RoutingKey(a),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    a.DiscoveredAt,
			MessageId:    a.ID.String(),
			Headers: amqp.Table{
				"group_id":   a.GroupID,
				"channel_id": a.ChannelID,
				"item_id":    a.Item.ID,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("waiting for publish confirmation: %w", err)
	}
	if !acked {
		return fmt.Errorf("message was not acknowledged by broker")
	}

	s.log.Debug("Published announcement",
		zap.String("announcementId", a.ID.String()),
		zap.String("routingKey", s.RoutingKey(a)),
	)
	return nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing publisher: %v", errs)
	}

	s.log.Info("RabbitMQ publisher closed")
	return nil
}

// IsHealthy reports whether the broker connection is open.
func (s *AMQPSink) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && !s.conn.IsClosed() && s.channel != nil
}
