// Package brokertest provides in-memory stand-ins for AMQP channels and
// acknowledgers.
package brokertest

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ticnsp/eaas/internal/broker"
)

// Declared records one QueueDeclare call.
type Declared struct {
	Name    string
	Durable bool
	Args    amqp.Table
}

// Published records one publish.
type Published struct {
	Exchange  string
	Key       string
	Mandatory bool
	Msg       amqp.Publishing
}

// Confirmation is a broker.Confirmation with a fixed answer. When Hold is
// set it never answers and WaitContext returns once ctx ends.
type Confirmation struct {
	Ack  bool
	Hold bool
	Err  error
}

// WaitContext returns the scripted answer.
func (c Confirmation) WaitContext(ctx context.Context) (bool, error) {
	if c.Hold {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return c.Ack, c.Err
}

// Channel is a broker.Channel backed by a Go channel of deliveries.
type Channel struct {
	mu         sync.Mutex
	Deliveries chan amqp.Delivery
	Declared   []Declared
	Published  []Published
	Prefetch   int
	Cancelled  []string
	Closed     bool
	Confirming bool
	returns    []chan amqp.Return

	QosErr     error
	DeclareErr error
	ConsumeErr error
	PublishErr error
	ConfirmErr error

	// Answer is what confirmations resolve to once Confirming is set.
	// A nil Answer acks every publish.
	Answer *Confirmation
}

// NewChannel returns a Channel with a buffered delivery stream.
func NewChannel() *Channel {
	return &Channel{Deliveries: make(chan amqp.Delivery, 16)}
}

// Qos records the prefetch count.
func (c *Channel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.QosErr != nil {
		return c.QosErr
	}
	c.Prefetch = prefetchCount
	return nil
}

// QueueDeclare records the declaration.
func (c *Channel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return amqp.Queue{}, c.DeclareErr
	}
	c.Declared = append(c.Declared, Declared{Name: name, Durable: durable, Args: args})
	return amqp.Queue{Name: name}, nil
}

// Consume returns the delivery stream.
func (c *Channel) Consume(_, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	return c.Deliveries, nil
}

// Confirm puts the channel in confirm mode.
func (c *Channel) Confirm(_ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConfirmErr != nil {
		return c.ConfirmErr
	}
	c.Confirming = true
	return nil
}

// NotifyReturn registers receiver. It is closed when the channel closes.
func (c *Channel) NotifyReturn(receiver chan amqp.Return) chan amqp.Return {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.returns = append(c.returns, receiver)
	return receiver
}

// PublishWithDeferredConfirmWithContext records the message. Outside confirm
// mode it returns a nil Confirmation.
func (c *Channel) PublishWithDeferredConfirmWithContext(
	_ context.Context,
	exchange, key string,
	mandatory, _ bool,
	msg amqp.Publishing,
) (broker.Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return nil, c.PublishErr
	}
	c.Published = append(c.Published, Published{Exchange: exchange, Key: key, Mandatory: mandatory, Msg: msg})
	if !c.Confirming {
		return nil, nil
	}
	if c.Answer == nil {
		return Confirmation{Ack: true}, nil
	}
	return *c.Answer, nil
}

// Cancel records the consumer tag.
func (c *Channel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Cancelled = append(c.Cancelled, consumer)
	return nil
}

// Close marks the channel closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.Closed {
		for _, r := range c.returns {
			close(r)
		}
	}
	c.Closed = true
	return nil
}

// PublishedMessages returns a copy of what was published.
func (c *Channel) PublishedMessages() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.Published...)
}

// Settlement is how a delivery was finished.
type Settlement struct {
	Tag     uint64
	Action  string // ack, nack or reject
	Requeue bool
	At      time.Time
}

// Acknowledger records settlements. Attach it to amqp.Delivery values.
type Acknowledger struct {
	mu          sync.Mutex
	Settlements []Settlement
	Err         error
}

// Ack records an ack.
func (a *Acknowledger) Ack(tag uint64, _ bool) error {
	return a.record(Settlement{Tag: tag, Action: "ack"})
}

// Nack records a nack.
func (a *Acknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	return a.record(Settlement{Tag: tag, Action: "nack", Requeue: requeue})
}

// Reject records a reject.
func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	return a.record(Settlement{Tag: tag, Action: "reject", Requeue: requeue})
}

func (a *Acknowledger) record(s Settlement) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	s.At = time.Now()
	a.Settlements = append(a.Settlements, s)
	return nil
}

// All returns a copy of the settlements so far.
func (a *Acknowledger) All() []Settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Settlement(nil), a.Settlements...)
}

// Delivery builds a delivery wired to a.
func (a *Acknowledger) Delivery(tag uint64, body string, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: a,
		DeliveryTag:  tag,
		Body:         []byte(body),
		Headers:      headers,
		ContentType:  "application/json",
	}
}

var (
	_ broker.Channel      = (*Channel)(nil)
	_ broker.Connection   = (*Connection)(nil)
	_ broker.Confirmation = Confirmation{}
)

// Connection is a broker.Connection handing out one Channel.
type Connection struct {
	Ch         *Channel
	ChannelErr error
	Closed     bool
}

// ErrRefused mimics a refused TCP dial.
var ErrRefused = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

// Channel returns Ch or ChannelErr.
func (c *Connection) Channel() (broker.Channel, error) {
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	return c.Ch, nil
}

// NotifyClose returns the receiver untouched.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

// Close marks the connection closed.
func (c *Connection) Close() error {
	c.Closed = true
	return nil
}
