package audit

import (
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const auditQueue = "audit.events"

// AMQPSink publishes audit events to a durable RabbitMQ queue consumed by
// the audit-log collaborator. Events are buffered in memory so a slow
// broker never blocks a state transition; the buffer drops oldest-first
// under pressure with a warning.
type AMQPSink struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     zerolog.Logger
	events  chan Event
}

func NewAMQPSink(log zerolog.Logger, url string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(
		auditQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	s := &AMQPSink{
		conn:    conn,
		channel: ch,
		log:     log,
		events:  make(chan Event, 256),
	}
	go s.publishLoop()

	return s, nil
}

func (s *AMQPSink) Emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.log.Warn().Str("audit_type", event.Type).Msg("audit buffer full, dropping event")
	}
}

func (s *AMQPSink) publishLoop() {
	for event := range s.events {
		body, err := json.Marshal(event)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to encode audit event")
			continue
		}

		err = s.channel.Publish(
			"",         // exchange
			auditQueue, // routing key
			false,      // mandatory
			false,      // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
			},
		)
		if err != nil {
			s.log.Error().Err(err).Str("audit_type", event.Type).Msg("failed to publish audit event")
		}
	}
}

func (s *AMQPSink) Close() error {
	close(s.events)
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
