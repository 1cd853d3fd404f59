package taskmgr

import (
	"context"
	"errors"

	"github.com/streadway/amqp"

	"osf-archiver/goutils/taskmgr/worker"
)

var (
	ErrConsumerInitFailed = errors.New("failed to initialize task consumer")
	ErrPublishFailed      = errors.New("failed to publish task")
)

// TaskMgr moves archiver tasks between the API and the workers.
type TaskMgr interface {
	Publish(ctx context.Context, workerType worker.Type, routingKey string, body []byte) error
	Consume(ctx context.Context, workerType worker.Type, msgChan chan TaskHandler, errChan chan error) error
	Shutdown(ctx context.Context) error
}

type TaskHandler interface {
	GetBody() []byte
	GetTopic() string
	Ack() error
	Nack(requeue bool) error
}

// Task is a TaskHandler over a rabbitmq delivery.
type Task struct {
	Msg amqp.Delivery
}

var _ TaskHandler = Task{}

func (t Task) GetBody() []byte {
	return t.Msg.Body
}

// GetTopic returns the routing key the task was published with.
func (t Task) GetTopic() string {
	return t.Msg.RoutingKey
}

func (t Task) Ack() error {
	return t.Msg.Ack(false)
}

func (t Task) Nack(requeue bool) error {
	return t.Msg.Nack(false, requeue)
}
