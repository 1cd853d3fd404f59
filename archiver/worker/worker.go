package worker

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/remeh/sizedwaitgroup"
	log "github.com/sirupsen/logrus"

	"osf-archiver/archiver/service"
	"osf-archiver/goutils/settings"
	"osf-archiver/goutils/taskmgr"
	workerInterface "osf-archiver/goutils/taskmgr/worker"
)

type Worker struct {
	service  service.Service
	taskmgr  taskmgr.TaskMgr
	settings *settings.SettingsObj
}

var _ workerInterface.Worker = (*Worker)(nil)

// NewWorker creates a new *Worker consuming archiver tasks.
// a single Worker runs up to worker_concurrency tasks at once, more instances scale the service horizontally.
func NewWorker(settingsObj *settings.SettingsObj, archiverService service.Service, mgr taskmgr.TaskMgr) *Worker {
	return &Worker{service: archiverService, settings: settingsObj, taskmgr: mgr}
}

// ConsumeTask consumes until the task manager gives up after max retries.
func (w *Worker) ConsumeTask() error {
	return w.ConsumeTaskWithContext(context.Background())
}

// ConsumeTaskWithContext stops taking new tasks once ctx is done and waits for running ones.
func (w *Worker) ConsumeTaskWithContext(ctx context.Context) error {
	taskChan := make(chan taskmgr.TaskHandler, w.settings.WorkerConcurrency)
	consumeErr := make(chan error, 1)

	// start consuming messages in separate go routine.
	// messages will be sent back over taskChan.
	go func() {
		errChan := make(chan error, 1)

		consumeErr <- backoff.Retry(func() error {
			err := w.taskmgr.Consume(ctx, workerInterface.TypeArchiverWorker, taskChan, errChan)
			if err != nil {
				log.WithError(err).Error("failed to consume the message, retrying")

				return err
			}

			select {
			case err = <-errChan:
				log.WithError(err).Error("consumer channel closed, reconnecting")

				return err
			default:
				return nil
			}
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(w.settings.RetryCount)), ctx))
	}()

	swg := sizedwaitgroup.New(w.settings.WorkerConcurrency)
	defer swg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-consumeErr:
			if err != nil {
				log.WithError(err).Error("failed to consume the messages after max retries")
			}

			return err
		case taskHandler := <-taskChan:
			swg.Add()

			go func(taskHandler taskmgr.TaskHandler) {
				defer swg.Done()

				w.handle(taskHandler)
			}(taskHandler)
		}
	}
}

func (w *Worker) handle(taskHandler taskmgr.TaskHandler) {
	msgBody := taskHandler.GetBody()
	topic := taskHandler.GetTopic()

	l := log.WithField("topic", topic)
	l.Debug("received new rabbitmq message")

	err := w.service.Run(msgBody, topic)
	if err != nil {
		l.WithError(err).Error("failed to run the task")

		// no requeue, failed tasks go to the dead letter exchange
		err = backoff.Retry(func() error {
			return taskHandler.Nack(false)
		}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5))
		if err != nil {
			l.WithError(err).Errorf("failed to nack the message")
		}

		return
	}

	err = backoff.Retry(func() error {
		return taskHandler.Ack()
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5))
	if err != nil {
		l.WithError(err).Error("failed to ack the message")
	}
}

func (w *Worker) ShutdownWorker() error {
	err := w.taskmgr.Shutdown(context.Background())
	if err != nil {
		log.WithError(err).Error("failed to shutdown the worker")
	}

	return err
}
