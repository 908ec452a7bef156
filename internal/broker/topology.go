package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AttemptHeader counts deliveries of one job across retries.
const AttemptHeader = "x-attempt"

// ErrNotConfirmed means the broker nacked a publish.
var ErrNotConfirmed = errors.New("broker: publish not confirmed")

// Topology names the queues built around one work queue. Failed messages are
// dead-lettered to <queue>.dead; retried messages wait on <queue>.retry until
// their TTL expires and are then dead-lettered back onto <queue>.
type Topology struct {
	Queue string
}

// RetryQueue is where messages wait before another attempt.
func (t Topology) RetryQueue() string { return t.Queue + ".retry" }

// DeadQueue collects messages that will not be retried.
func (t Topology) DeadQueue() string { return t.Queue + ".dead" }

// Declare creates the three durable queues. It is idempotent as long as the
// arguments do not change.
func (t Topology) Declare(ch Channel) error {
	if _, err := ch.QueueDeclare(t.DeadQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", t.DeadQueue(), err)
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DeadQueue(),
	}); err != nil {
		return fmt.Errorf("declare %s: %w", t.Queue, err)
	}
	if _, err := ch.QueueDeclare(t.RetryQueue(), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Queue,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", t.RetryQueue(), err)
	}
	return nil
}

// Attempt returns the 1-based delivery attempt recorded on d.
func Attempt(d amqp.Delivery) int {
	var n int
	switch v := d.Headers[AttemptHeader].(type) {
	case int:
		n = v
	case int8:
		n = int(v)
	case int16:
		n = int(v)
	case int32:
		n = int(v)
	case int64:
		n = int(v)
	case string:
		n, _ = strconv.Atoi(v)
	}
	if n < 1 {
		return 1
	}
	return n
}

// Publisher writes persistent JSON messages onto the topology.
type Publisher struct {
	ch   Channel
	topo Topology
}

// NewPublisher binds a Publisher to ch.
func NewPublisher(ch Channel, topo Topology) *Publisher {
	return &Publisher{ch: ch, topo: topo}
}

// Publish puts a new job on the work queue and returns once the broker has
// confirmed it.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	return p.publish(ctx, p.topo.Queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Retry parks a copy of d on the retry queue for delay, stamped with attempt.
// It returns nil only after the broker has confirmed the copy.
func (p *Publisher) Retry(ctx context.Context, d amqp.Delivery, attempt int, delay time.Duration) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[AttemptHeader] = int32(attempt)

	ms := delay.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return p.publish(ctx, p.topo.RetryQueue(), amqp.Publishing{
		Headers:      headers,
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Expiration:   strconv.FormatInt(ms, 10),
		Timestamp:    time.Now().UTC(),
		Body:         d.Body,
	})
}

// publish sends msg as mandatory and waits for the broker's confirm. A nack,
// or ctx ending before the confirm arrives, is an error.
func (p *Publisher) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", key, true, false, msg)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", key, err)
	}
	if conf == nil {
		return nil
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm from %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("publish to %s: %w", key, ErrNotConfirmed)
	}
	return nil
}
