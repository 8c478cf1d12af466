package mqinfra

import (
	"context"
	"errors"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/heraldhq/herald/internal/models"
)

const (
	declareAttempts   = 3
	declareRetryDelay = 2 * time.Second
)

type infraRabbitMQ struct {
	config *MQInfraConfig
}

var _ MQInfra = (*infraRabbitMQ)(nil)

// dlxName and dlqName derive from the exchange so the dead-letter pair
// shares the exchange's namespace regardless of how the queue is named.
func (i *infraRabbitMQ) dlxName() string {
	return i.config.RabbitMQ.Exchange + ".dlx"
}

func (i *infraRabbitMQ) dlqName() string {
	return i.config.RabbitMQ.Exchange + ".dlq"
}

func (i *infraRabbitMQ) Exist(ctx context.Context) (bool, error) {
	cfg := i.config.RabbitMQ

	conn, err := amqp091.Dial(cfg.ServerURL)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// A failed passive declare closes its channel, so each probe gets a
	// fresh one.
	probes := []func(ch *amqp091.Channel) error{
		func(ch *amqp091.Channel) error {
			return ch.ExchangeDeclarePassive(cfg.Exchange, "direct", true, false, false, false, nil)
		},
		func(ch *amqp091.Channel) error {
			_, err := ch.QueueDeclarePassive(cfg.Queue, true, false, false, false, nil)
			return err
		},
		func(ch *amqp091.Channel) error {
			return ch.ExchangeDeclarePassive(i.dlxName(), "fanout", true, false, false, false, nil)
		},
		func(ch *amqp091.Channel) error {
			_, err := ch.QueueDeclarePassive(i.dlqName(), true, false, false, false, nil)
			return err
		},
	}
	for _, probe := range probes {
		ch, err := conn.Channel()
		if err != nil {
			return false, err
		}
		if err := probe(ch); err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, err
		}
		ch.Close()
	}
	return true, nil
}

func (i *infraRabbitMQ) Declare(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < declareAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(declareRetryDelay):
			}
		}
		if err := i.declare(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (i *infraRabbitMQ) declare(ctx context.Context) error {
	cfg := i.config.RabbitMQ

	conn, err := amqp091.Dial(cfg.ServerURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// The dispatch exchange and its queue.
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		return err
	}
	queueArgs := amqp091.Table{
		"x-queue-type":           "quorum",
		"x-dead-letter-exchange": i.dlxName(),
	}
	if i.config.Policy.RetryLimit > 0 {
		queueArgs["x-delivery-limit"] = i.config.Policy.RetryLimit
	}
	if _, err := ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		queueArgs, // arguments
	); err != nil {
		return err
	}
	for _, eventType := range models.EventTypes() {
		if err := ch.QueueBind(
			cfg.Queue,              // queue name
			eventType.RoutingKey(), // routing key
			cfg.Exchange,           // exchange
			false,
			nil,
		); err != nil {
			return err
		}
	}

	// Declare dead-letter exchange & queue. The DLX fans out so
	// dead-lettered messages keep their original routing key and still
	// land in the DLQ.
	if err := ch.ExchangeDeclare(
		i.dlxName(), // name
		"fanout",    // type
		true,        // durable
		false,       // auto-deleted
		false,       // internal
		false,       // no-wait
		nil,         // arguments
	); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(
		i.dlqName(), // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		amqp091.Table{
			"x-queue-type": "quorum",
		}, // arguments
	); err != nil {
		return err
	}
	if err := ch.QueueBind(
		i.dlqName(), // queue name
		"",          // routing key
		i.dlxName(), // exchange
		false,
		nil,
	); err != nil {
		return err
	}

	return nil
}

func (i *infraRabbitMQ) TearDown(ctx context.Context) error {
	cfg := i.config.RabbitMQ

	conn, err := amqp091.Dial(cfg.ServerURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDelete(
		cfg.Queue, // name
		false,     // ifUnused
		false,     // ifEmpty
		false,     // noWait
	); err != nil {
		return err
	}
	if err := ch.ExchangeDelete(
		cfg.Exchange, // name
		false,        // ifUnused
		false,        // noWait
	); err != nil {
		return err
	}
	if _, err := ch.QueueDelete(
		i.dlqName(), // name
		false,       // ifUnused
		false,       // ifEmpty
		false,       // noWait
	); err != nil {
		return err
	}
	if err := ch.ExchangeDelete(
		i.dlxName(), // name
		false,       // ifUnused
		false,       // noWait
	); err != nil {
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	var amqpErr *amqp091.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp091.NotFound
}
