// Package statequery answers gating questions about a remote queue ("is it
// empty", "is anything running or pending") without holding a connection.
package statequery

import (
	"context"

	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
	"github.com/opengda/beamq/internal/proxy"
)

// Querier is the read-only part of a queue proxy.
type Querier interface {
	Submission(ctx context.Context) ([]model.Job, error)
	RunningAndCompleted(ctx context.Context) ([]model.Job, error)
	QueueStatus(ctx context.Context) (model.ConsumerStatus, error)
	Close() error
}

// DialFunc opens a Querier for one call.
type DialFunc func(ctx context.Context, endpoint, queueName string) (Querier, error)

// DialProxy opens a daemon proxy.
func DialProxy(ctx context.Context, endpoint, queueName string) (Querier, error) {
	p, err := proxy.Dial(ctx, endpoint, queueName)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Helper opens and releases its own connection on every call. Any error is
// logged and answered conservatively: the queue is reported non-empty and busy.
type Helper struct {
	Dial      DialFunc
	Endpoint  string
	QueueName string
	Logger    *logging.Logger
}

func (h Helper) open(ctx context.Context) (Querier, bool) {
	dial := h.Dial
	if dial == nil {
		dial = DialProxy
	}
	q, err := dial(ctx, h.Endpoint, h.QueueName)
	if err != nil {
		h.Logger.Warnf("cannot reach queue %s at %s: %v", h.QueueName, h.Endpoint, err)
		return nil, false
	}
	return q, true
}

func (h Helper) release(q Querier) {
	if err := q.Close(); err != nil {
		h.Logger.Warnf("closing proxy for %s: %v", h.QueueName, err)
	}
}

// IsQueueEmpty reports whether no jobs are waiting.
func (h Helper) IsQueueEmpty(ctx context.Context) bool {
	q, ok := h.open(ctx)
	if !ok {
		return false
	}
	defer h.release(q)

	pending, err := q.Submission(ctx)
	if err != nil {
		h.Logger.Warnf("cannot read submission queue %s: %v", h.QueueName, err)
		return false
	}
	return len(pending) == 0
}

// IsJobRunningOrPending is true when the consumer is RUNNING with jobs
// waiting, or when any started job has not reached a final status.
func (h Helper) IsJobRunningOrPending(ctx context.Context) bool {
	q, ok := h.open(ctx)
	if !ok {
		return true
	}
	defer h.release(q)

	status, err := q.QueueStatus(ctx)
	if err != nil {
		h.Logger.Warnf("cannot read status of %s: %v", h.QueueName, err)
		return true
	}
	if status == model.ConsumerStatusRunning {
		pending, err := q.Submission(ctx)
		if err != nil {
			h.Logger.Warnf("cannot read submission queue %s: %v", h.QueueName, err)
			return true
		}
		if len(pending) > 0 {
			return true
		}
	}

	started, err := q.RunningAndCompleted(ctx)
	if err != nil {
		h.Logger.Warnf("cannot read running jobs of %s: %v", h.QueueName, err)
		return true
	}
	for _, j := range started {
		if !j.Status.IsFinal() {
			return true
		}
	}
	return false
}
