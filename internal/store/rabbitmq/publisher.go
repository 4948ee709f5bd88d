package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/streamchat/internal/protocol"
)

type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queues Queues

	// amqp channels are not safe for concurrent publishing
	mu sync.Mutex
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return newPublisher(conn, ch, queue)
}

// NewChannelPublisher publishes on an existing channel. Close leaves the
// connection open.
func NewChannelPublisher(ch *amqp.Channel, queue string) (*Publisher, error) {
	return newPublisher(nil, ch, queue)
}

func newPublisher(conn *amqp.Connection, ch *amqp.Channel, queue string) (*Publisher, error) {
	q, err := Declare(ch, queue)
	if err != nil {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queues: q}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishTurn sends a persistent TurnCompleted message to the main queue.
func (p *Publisher) PublishTurn(ctx context.Context, evt protocol.TurnCompleted) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queues.Main, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.EventID,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Retry parks d on the retry queue for delay; it then dead-letters back to
// the main queue with its attempt count increased.
func (p *Publisher) Retry(ctx context.Context, d amqp.Delivery, delay time.Duration) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptHeader] = int32(Attempts(d) + 1)

	return p.publish(ctx, p.queues.Retry, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Headers:      headers,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Body:         d.Body,
		Timestamp:    time.Now(),
	})
}

func (p *Publisher) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		msg,
	)
}
