package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/store"
)

// Compile-time interface check.
var _ Queue = (*storeQueue)(nil)

type storeQueue struct {
	log   logrus.FieldLogger
	store store.Store
	now   func() time.Time
}

// NewQueue creates a Queue persisting tasks as store rows.
func NewQueue(log logrus.FieldLogger, s store.Store) Queue {
	return &storeQueue{
		log:   log.WithField("component", "task-queue"),
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (q *storeQueue) Enqueue(
	ctx context.Context, name string, args any, opts ...Option,
) error {
	o := buildOptions(opts)

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", name, err)
	}

	task := &store.Task{
		Name:    name,
		Payload: payload,
		RunAt:   q.now().Add(o.countdown),
	}

	if o.key != "" {
		key := name + ":" + o.key
		task.Key = &key
	}

	created, err := q.store.EnqueueTask(ctx, task)
	if err != nil {
		return err
	}

	log := q.log.WithFields(logrus.Fields{
		"task":      name,
		"countdown": o.countdown.String(),
	})

	if !created {
		log.WithField("key", o.key).Debug("Task already queued")

		return nil
	}

	log.Debug("Task enqueued")

	return nil
}
