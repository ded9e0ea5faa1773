package queue

import (
    "context"
    "encoding/json"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
    "github.com/rs/zerolog/log"
)

// DefaultQueueName is the durable queue checkout events are routed to.
const DefaultQueueName = "checkout.events"

// Publisher publishes CheckoutEvents to a durable RabbitMQ queue.  Each
// call dials its own connection; publishing is rare (one message per
// finished checkout) so a pooled connection is not worth its reconnect
// handling.
type Publisher struct {
    url   string
    queue string
}

// NewPublisher returns a Publisher for the broker at url.  An empty queue
// name selects DefaultQueueName.
func NewPublisher(url, queueName string) *Publisher {
    if queueName == "" {
        queueName = DefaultQueueName
    }
    return &Publisher{url: url, queue: queueName}
}

// Notify publishes ev as a persistent JSON message.  Errors are logged and
// returned so the caller can choose to ignore them.
func (p *Publisher) Notify(ctx context.Context, ev CheckoutEvent) error {
    conn, err := amqp.Dial(p.url)
    if err != nil {
        log.Warn().Err(err).Msg("rabbitmq: dial failed")
        return err
    }
    defer func() { _ = conn.Close() }()

    ch, err := conn.Channel()
    if err != nil {
        log.Warn().Err(err).Msg("rabbitmq: channel open failed")
        return err
    }
    defer func() { _ = ch.Close() }()

    // Durable so messages survive broker restarts.
    if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
        log.Warn().Err(err).Msg("rabbitmq: queue declare failed")
        return err
    }

    body, err := json.Marshal(ev)
    if err != nil {
        return err
    }

    pub := amqp.Publishing{
        ContentType:  "application/json",
        DeliveryMode: amqp.Persistent,
        Timestamp:    time.Now().UTC(),
        Type:         string(ev.Type),
        MessageId:    string(ev.Type) + ":" + ev.SessionID,
        Body:         body,
    }
    if err := ch.PublishWithContext(ctx, "", p.queue, false, false, pub); err != nil {
        log.Warn().Err(err).Str("session_id", ev.SessionID).Msg("rabbitmq: publish failed")
        return err
    }
    return nil
}

// LogNotifier writes events to the application log instead of a broker.
// It is used when NOTIFY_ENABLED is false.
type LogNotifier struct{}

// Notify logs ev at info level.
func (LogNotifier) Notify(_ context.Context, ev CheckoutEvent) error {
    log.Info().
        Str("event", string(ev.Type)).
        Str("session_id", ev.SessionID).
        Str("order_number", ev.OrderNumber).
        Int64("amount_cents", ev.AmountCents).
        Msg("checkout event")
    return nil
}
