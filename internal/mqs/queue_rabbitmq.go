package mqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ============================== Config ==============================

type RabbitMQConfig struct {
	ServerURL string
	Exchange  string
	Queue     string
	// Prefetch bounds unacked deliveries per consumer channel. 0 leaves the
	// broker default (unlimited).
	Prefetch int
}

const defaultPublishTimeout = 10 * time.Second

var (
	ErrPublishNotConfirmed = errors.New("publish not confirmed by broker")
	ErrPublishReturned     = errors.New("publish returned: no queue bound for routing key")
)

// ============================== Queue ==============================

// RabbitMQQueue publishes on a confirm-mode channel. Publish blocks until
// the broker acks the message; a message that is returned (mandatory flag,
// no binding for the routing key) or nacked surfaces as an error so callers
// never commit state for a message the broker dropped.
type RabbitMQQueue struct {
	config *RabbitMQConfig

	conn      *amqp091.Connection
	publishCh *amqp091.Channel

	mu       sync.Mutex
	returned map[string]amqp091.Return
}

var _ Queue = &RabbitMQQueue{}

func NewRabbitMQQueue(config *RabbitMQConfig) *RabbitMQQueue {
	return &RabbitMQQueue{config: config}
}

func (q *RabbitMQQueue) Init(ctx context.Context) (func(), error) {
	conn, err := amqp091.Dial(q.config.ServerURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	q.conn = conn
	q.publishCh = ch
	q.returned = make(map[string]amqp091.Return)
	go q.trackReturns(ch.NotifyReturn(make(chan amqp091.Return, 16)))

	return func() {
		ch.Close()
		conn.Close()
	}, nil
}

func (q *RabbitMQQueue) Publish(ctx context.Context, in IncomingMessage) error {
	msg, err := in.ToMessage()
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()
	}

	headers := amqp091.Table{}
	for k, v := range msg.Attributes {
		headers[k] = v
	}

	confirmation, err := q.publishCh.PublishWithDeferredConfirmWithContext(ctx,
		q.config.Exchange,
		msg.Topic, // routing key
		true,      // mandatory
		false,     // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    msg.ID,
			Timestamp:    time.Now(),
			Headers:      headers,
			Body:         msg.Body,
		},
	)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-confirmation.Done():
	}
	if !confirmation.Acked() {
		return ErrPublishNotConfirmed
	}
	// The broker sends basic.return before the ack for the same message,
	// so a returned message is visible here by the time the confirm lands.
	if ret, ok := q.takeReturn(msg.ID); ok {
		return fmt.Errorf("%w: key=%s code=%d text=%s", ErrPublishReturned, msg.Topic, ret.ReplyCode, ret.ReplyText)
	}
	return nil
}

func (q *RabbitMQQueue) Subscribe(ctx context.Context) (Subscription, error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, err
	}
	if q.config.Prefetch > 0 {
		if err := ch.Qos(q.config.Prefetch, 0, false); err != nil {
			ch.Close()
			return nil, err
		}
	}
	deliveries, err := ch.Consume(
		q.config.Queue, // queue
		"",             // consumer tag
		false,          // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return &rabbitSubscription{ch: ch, deliveries: deliveries}, nil
}

func (q *RabbitMQQueue) trackReturns(returns <-chan amqp091.Return) {
	for ret := range returns {
		q.mu.Lock()
		q.returned[ret.MessageId] = ret
		q.mu.Unlock()
	}
}

func (q *RabbitMQQueue) takeReturn(messageID string) (amqp091.Return, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ret, ok := q.returned[messageID]
	if ok {
		delete(q.returned, messageID)
	}
	return ret, ok
}

// ============================== Subscription ==============================

type rabbitSubscription struct {
	ch         *amqp091.Channel
	deliveries <-chan amqp091.Delivery
}

var _ Subscription = &rabbitSubscription{}

func (s *rabbitSubscription) Receive(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case delivery, ok := <-s.deliveries:
		if !ok {
			return nil, ErrSubscriptionClosed
		}
		return messageFromDelivery(delivery), nil
	}
}

func (s *rabbitSubscription) Shutdown(ctx context.Context) error {
	return s.ch.Close()
}

func messageFromDelivery(delivery amqp091.Delivery) *Message {
	attributes := make(map[string]string, len(delivery.Headers))
	for k, v := range delivery.Headers {
		if s, ok := v.(string); ok {
			attributes[k] = s
		}
	}
	loggableID := delivery.MessageId
	if loggableID == "" {
		loggableID = "delivery/" + strconv.FormatUint(delivery.DeliveryTag, 10)
	}
	msg := &Message{
		ID:         delivery.MessageId,
		Topic:      delivery.RoutingKey,
		Body:       delivery.Body,
		Attributes: attributes,
		LoggableID: loggableID,
	}
	return msg.WithAcker(&rabbitAcker{delivery: delivery})
}

type rabbitAcker struct {
	delivery amqp091.Delivery
	once     sync.Once
}

func (a *rabbitAcker) Ack() {
	a.once.Do(func() { _ = a.delivery.Ack(false) })
}

func (a *rabbitAcker) Nack() {
	a.once.Do(func() { _ = a.delivery.Nack(false, true) })
}

func (a *rabbitAcker) Reject() {
	a.once.Do(func() { _ = a.delivery.Nack(false, false) })
}
