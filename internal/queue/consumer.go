package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/cenkalti/backoff/v5"
    amqp "github.com/rabbitmq/amqp091-go"
    "github.com/rs/zerolog/log"
)

// StartCheckoutEventConsumer connects to RabbitMQ, declares queueName
// (durable) and appends one line per CheckoutEvent to logPath.  It runs a
// reconnect loop with exponential backoff and returns only when ctx is
// cancelled.  Malformed messages are rejected without requeue so one bad
// message cannot stall the queue.
func StartCheckoutEventConsumer(ctx context.Context, url, queueName, logPath string) error {
    if queueName == "" {
        queueName = DefaultQueueName
    }
    bo := backoff.NewExponentialBackOff()
    bo.InitialInterval = time.Second
    bo.MaxInterval = 30 * time.Second

    for {
        if err := ctx.Err(); err != nil {
            return err
        }
        conn, err := amqp.Dial(url)
        if err != nil {
            wait := bo.NextBackOff()
            log.Warn().Err(err).Dur("retry_in", wait).Msg("checkout-consumer: failed to dial broker")
            if !sleepCtx(ctx, wait) {
                return ctx.Err()
            }
            continue
        }
        bo.Reset()

        err = consumeLoop(ctx, conn, queueName, logPath)
        _ = conn.Close()
        if ctx.Err() != nil {
            return ctx.Err()
        }
        log.Warn().Err(err).Msg("checkout-consumer: consume loop ended; reconnecting")
        if !sleepCtx(ctx, 2*time.Second) {
            return ctx.Err()
        }
    }
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, queueName, logPath string) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(50, 0, false); err != nil {
        log.Warn().Err(err).Msg("checkout-consumer: set QoS failed")
    }
    if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }
    msgs, err := ch.ConsumeWithContext(ctx, queueName, "", false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }

    for d := range msgs {
        if err := handleMessage(d.Body, logPath); err != nil {
            log.Error().Err(err).Msg("checkout-consumer: handle message failed")
            _ = d.Nack(false, false)
            continue
        }
        _ = d.Ack(false)
    }
    return errors.New("deliveries channel closed")
}

func handleMessage(body []byte, logPath string) error {
    var ev CheckoutEvent
    if err := json.Unmarshal(body, &ev); err != nil {
        return fmt.Errorf("unmarshal: %w", err)
    }
    if ev.Type == "" || ev.SessionID == "" {
        return errors.New("event without type or session id")
    }
    if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
        return fmt.Errorf("mkdir logs: %w", err)
    }
    f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
    if err != nil {
        return fmt.Errorf("open log file: %w", err)
    }
    defer f.Close()
    if _, err := f.WriteString(formatEventLine(ev)); err != nil {
        return fmt.Errorf("write log: %w", err)
    }
    return nil
}

// formatEventLine renders ev as a single human-friendly log line.
func formatEventLine(ev CheckoutEvent) string {
    items := make([]string, len(ev.Items))
    for i, it := range ev.Items {
        items[i] = fmt.Sprintf("%s×%d", it.VariantID, it.Quantity)
    }
    customer := ev.CustomerID
    if customer == "" {
        customer = "guest"
    }
    line := fmt.Sprintf("[%s] %s | session_id=%s | customer=%s | total=%d %s | items=[%s]",
        ev.OccurredAt, ev.Type, ev.SessionID, customer, ev.AmountCents, strings.ToUpper(ev.Currency),
        strings.Join(items, ","))
    if ev.OrderNumber != "" {
        line += " | order=" + ev.OrderNumber
    }
    return line + "\n"
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}
