package cron

import (
	"context"
	"errors"
)

const queueRebuildJobName = "queue-rebuild"

type queueRebuilder interface {
	Rebuild(ctx context.Context) error
}

type queueRebuildJob struct {
	queue queueRebuilder
}

// NewQueueRebuildJob builds the job that resynchronizes every zone queue with storage.
func NewQueueRebuildJob(queue queueRebuilder) (Job, error) {
	if queue == nil {
		return nil, errors.New("queue manager required")
	}
	return &queueRebuildJob{queue: queue}, nil
}

func (j *queueRebuildJob) Name() string { return queueRebuildJobName }

func (j *queueRebuildJob) Run(ctx context.Context) error {
	return j.queue.Rebuild(ctx)
}
