package realtime

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPSource consumes change events published to a RabbitMQ exchange.
type AMQPSource struct {
	url      string
	exchange string
	queue    string
	binding  string
	logger   zerolog.Logger
}

func NewAMQPSource(url, exchange, queue, binding string, logger zerolog.Logger) *AMQPSource {
	if binding == "" {
		binding = "#"
	}
	return &AMQPSource{
		url:      url,
		exchange: exchange,
		queue:    queue,
		binding:  binding,
		logger:   logger.With().Str("source", "amqp").Logger(),
	}
}

func (s *AMQPSource) Listen(ctx context.Context, out chan<- ChangeEvent) error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if s.exchange != "" {
		if err := ch.ExchangeDeclare(
			s.exchange,
			"topic",
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declare exchange %s: %w", s.exchange, err)
		}
	}

	q, err := ch.QueueDeclare(
		s.queue,
		s.queue != "", // durable when named
		s.queue == "", // auto-delete when server-named
		s.queue == "", // exclusive when server-named
		false,         // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if s.exchange != "" {
		if err := ch.QueueBind(q.Name, s.binding, s.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.Name, err)
		}
	}

	msgs, err := ch.Consume(
		q.Name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}
	s.logger.Info().Str("queue", q.Name).Str("exchange", s.exchange).Msg("consuming change events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			if err := s.deliver(ctx, msg, out); err != nil {
				return err
			}
		}
	}
}

// deliver forwards one delivery. Undecodable messages are rejected without
// requeue so they cannot loop.
func (s *AMQPSource) deliver(ctx context.Context, msg amqp.Delivery, out chan<- ChangeEvent) error {
	ev, err := DecodeChangeEvent(msg.Body)
	if err != nil {
		s.logger.Warn().Err(err).Str("routing_key", msg.RoutingKey).Msg("rejecting malformed change event")
		return msg.Nack(false, false)
	}
	if ev.ID == "" {
		ev.ID = msg.MessageId
	}
	select {
	case out <- ev:
		return msg.Ack(false)
	case <-ctx.Done():
		_ = msg.Nack(false, true)
		return ctx.Err()
	}
}
