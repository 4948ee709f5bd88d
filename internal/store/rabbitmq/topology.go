package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-attempt"

// Queues names the three queues behind one logical queue.
type Queues struct {
	Main  string
	Retry string
	DLQ   string
}

func Names(queue string) Queues {
	return Queues{Main: queue, Retry: queue + ".retry", DLQ: queue + ".dlq"}
}

// Declare creates the queues on ch. The publisher and the worker both call it
// so either may start first.
func Declare(ch *amqp.Channel, queue string) (Queues, error) {
	q := Names(queue)

	// DLQ
	if _, err := ch.QueueDeclare(
		q.DLQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return q, err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(q.Retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.Main,
	}); err != nil {
		return q, err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	if _, err := ch.QueueDeclare(q.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.DLQ,
	}); err != nil {
		return q, err
	}
	return q, nil
}

// Attempts returns how many times a delivery has been retried.
func Attempts(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
