package taskmgr

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"osf-archiver/goutils/settings"
	"osf-archiver/goutils/taskmgr"
	"osf-archiver/goutils/taskmgr/worker"
)

type RabbitmqTaskMgr struct {
	conn     *amqp.Connection
	settings *settings.SettingsObj

	// publishing channel, opened lazily
	pubMu      sync.Mutex
	pubChannel *amqp.Channel
}

var _ taskmgr.TaskMgr = (*RabbitmqTaskMgr)(nil)

func NewRabbitmqTaskMgr(settings *settings.SettingsObj) *RabbitmqTaskMgr {
	return &RabbitmqTaskMgr{
		conn:     Dial(settings),
		settings: settings,
	}
}

// Publish sends a persistent message to the worker's exchange.
func (r *RabbitmqTaskMgr) Publish(ctx context.Context, workerType worker.Type, routingKey string, body []byte) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if r.pubChannel == nil {
		channel, err := r.getChannel(workerType)
		if err != nil {
			return err
		}

		r.pubChannel = channel
	}

	err := r.pubChannel.Publish(r.getExchange(workerType), routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		log.WithError(err).WithField("routingKey", routingKey).Error("failed to publish message on rabbitmq")

		// channel is unusable after an error, reopen on next publish
		_ = r.pubChannel.Close()
		r.pubChannel = nil

		return fmt.Errorf("%w: %s", taskmgr.ErrPublishFailed, err)
	}

	log.WithField("routingKey", routingKey).Debug("published message on rabbitmq")

	return nil
}

// getChannel returns a channel from the connection
// this method is also used to create a new channel if channel is closed
func (r *RabbitmqTaskMgr) getChannel(workerType worker.Type) (*amqp.Channel, error) {
	channel, err := r.conn.Channel()
	if err != nil {
		log.Errorf("Failed to open a channel on rabbitmq: %v", err)

		return nil, taskmgr.ErrConsumerInitFailed
	}

	exchange := r.getExchange(workerType)
	err = channel.ExchangeDeclare(exchange, "direct", true, false, false, false, nil)
	if err != nil {
		log.Errorf("Failed to declare an exchange on rabbitmq: %v", err)

		return nil, taskmgr.ErrConsumerInitFailed
	}

	// dead letter exchange
	err = channel.ExchangeDeclare(r.settings.Rabbitmq.Setup.Core.DLX, "direct", true, false, false, false, nil)
	if err != nil {
		log.Errorf("Failed to declare an exchange on rabbitmq: %v", err)

		return nil, taskmgr.ErrConsumerInitFailed
	}

	// declare the queue
	queue, err := channel.QueueDeclare(r.getQueue(workerType), true, false, false, false, map[string]interface{}{
		"x-dead-letter-exchange": r.settings.Rabbitmq.Setup.Core.DLX,
	})
	if err != nil {
		log.Errorf("Failed to declare a queue on rabbitmq: %v", err)

		return nil, taskmgr.ErrConsumerInitFailed
	}

	for _, routingKey := range r.getRoutingKeys(workerType) {
		err = channel.QueueBind(queue.Name, routingKey, exchange, false, nil)
		if err != nil {
			log.Errorf("Failed to bind a queue on rabbitmq: %v", err)

			return nil, taskmgr.ErrConsumerInitFailed
		}
	}

	return channel, nil
}

func (r *RabbitmqTaskMgr) Consume(ctx context.Context, workerType worker.Type, msgChan chan taskmgr.TaskHandler, errChan chan error) error {
	channel, err := r.getChannel(workerType)
	if err != nil {
		return err
	}

	defer func(channel *amqp.Channel) {
		err = channel.Close()
		if err != nil && err != amqp.ErrClosed {
			log.Errorf("Failed to close channel on rabbitmq: %v", err)
		}
	}(channel)

	// bounded prefetch so one instance does not hoard registrations
	if err = channel.Qos(r.settings.WorkerConcurrency, 0, false); err != nil {
		log.Errorf("Failed to set qos on rabbitmq channel: %v", err)

		return err
	}

	queueName := r.getQueue(workerType)
	// consume messages
	msgs, err := channel.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		log.Errorf("Failed to register a consumer on rabbitmq: %v", err)

		return err
	}

	log.Infof("RabbitmqTaskMgr: consuming messages from queue %s", queueName)

	forever := make(chan *amqp.Error)

	forever = channel.NotifyClose(forever)

	go func() {
		for msg := range msgs {
			log.WithField("routingKey", msg.RoutingKey).Info("received new message")

			msgChan <- taskmgr.Task{Msg: msg}
		}
	}()

	select {
	case amqpErr := <-forever:
		if amqpErr != nil {
			log.Errorf("RabbitmqTaskMgr: connection closed while consuming messages from queue %s: %s", queueName, amqpErr)

			// send back error due to rabbitmq channel closed
			errChan <- amqpErr
		}
	case <-ctx.Done():
		log.Info("RabbitmqTaskMgr: consumer context done")
	}

	return nil
}

func (r *RabbitmqTaskMgr) Shutdown(ctx context.Context) error {
	r.pubMu.Lock()
	if r.pubChannel != nil {
		_ = r.pubChannel.Close()
		r.pubChannel = nil
	}
	r.pubMu.Unlock()

	err := r.conn.Close()
	if err != nil && err != amqp.ErrClosed {
		log.Errorf("Failed to close connection on rabbitmq: %v", err)

		return err
	}

	return nil
}

func Dial(config *settings.SettingsObj) *amqp.Connection {
	rabbitmqConfig := config.Rabbitmq

	url := fmt.Sprintf("amqp://%s:%s@%s/", rabbitmqConfig.User, rabbitmqConfig.Password, net.JoinHostPort(rabbitmqConfig.Host, strconv.Itoa(rabbitmqConfig.Port)))

	conn, err := amqp.Dial(url)
	if err != nil {
		log.Panicf("Failed to connect to RabbitMQ: %v", err)
	}

	return conn
}

func (r *RabbitmqTaskMgr) getExchange(workerType worker.Type) string {
	switch workerType {
	case worker.TypeArchiverWorker:
		return r.settings.Rabbitmq.Setup.Core.Exchange
	default:
		return ""
	}
}

func (r *RabbitmqTaskMgr) getQueue(workerType worker.Type) string {
	switch workerType {
	case worker.TypeArchiverWorker:
		return r.settings.Rabbitmq.Setup.Queues.Archiver.QueueName
	default:
		return ""
	}
}

func (r *RabbitmqTaskMgr) getRoutingKeys(workerType worker.Type) []string {
	switch workerType {
	case worker.TypeArchiverWorker:
		return []string{
			r.settings.Rabbitmq.Setup.Queues.Archiver.RegistrationRoutingKey,
			r.settings.Rabbitmq.Setup.Queues.Archiver.SuccessEmailRoutingKey,
		}
	default:
		return nil
	}
}
