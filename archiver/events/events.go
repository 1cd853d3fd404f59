package events

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"osf-archiver/goutils/datamodel"
)

// StatusChanged is fired after an addon's archive status was written.
// Addon is empty when a job has nothing to copy.
type StatusChanged struct {
	DstNodeID string
	Addon     string
	Status    datamodel.ArchiveStatus
}

type Handler func(ctx context.Context, ev *StatusChanged) error

// Bus delivers status changes synchronously to every subscriber.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return new(Bus)
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, h)
}

// Publish runs every handler, even after one fails, and returns all handler errors.
func (b *Bus) Publish(ctx context.Context, ev *StatusChanged) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	var result *multierror.Error

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			log.WithError(err).
				WithField("dstNodeID", ev.DstNodeID).
				WithField("addon", ev.Addon).
				Error("status changed handler failed")

			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
