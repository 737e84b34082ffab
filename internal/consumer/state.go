package consumer

import (
	"context"
	"time"

	"github.com/opengda/beamq/internal/bus"
	"github.com/opengda/beamq/internal/command"
	"github.com/opengda/beamq/internal/model"
)

// Start moves a STOPPED consumer to RUNNING and launches the worker, or
// resumes a PAUSED one. Starting a RUNNING consumer does nothing. A consumer
// that has been stopped cannot be started again; use Restart.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	switch c.status {
	case model.ConsumerStatusRunning:
		c.mu.Unlock()
		return nil
	case model.ConsumerStatusPaused:
		c.mu.Unlock()
		return c.Resume()
	}
	status, pausedOnStart := c.launchLocked(c.workerDone)
	c.mu.Unlock()

	if pausedOnStart {
		c.broadcastPause()
	}
	c.stateChanged(status)
	return nil
}

// launchLocked starts a new worker once prev has exited. Callers hold mu.
func (c *Consumer) launchLocked(prev <-chan struct{}) (model.ConsumerStatus, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancelWork = cancel
	c.workerDone = done
	c.startTime = time.Now().UTC()

	pausedOnStart := c.opts.PauseOnStart && !c.pending.IsEmpty()
	if pausedOnStart {
		c.status = model.ConsumerStatusPaused
	} else {
		c.status = model.ConsumerStatusRunning
	}

	go func() {
		select {
		case <-prev:
		case <-ctx.Done():
			close(done)
			return
		}
		c.work(ctx, done)
	}()
	return c.status, pausedOnStart
}

// broadcastPause tells every listener on the command topic that this queue
// has paused, so clients and peers see the same state.
func (c *Consumer) broadcastPause() {
	c.logger.Infof("jobs were waiting at start, consumer paused")
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Publish(bus.TopicCommand,
		command.Encode(command.ForQueue(c.opts.QueueName), command.PauseQueue{}, "paused on start: jobs were waiting"))
}

// Pause stops the worker taking new jobs. The running job is not affected.
func (c *Consumer) Pause() error {
	c.mu.Lock()
	switch c.status {
	case model.ConsumerStatusStopped:
		c.mu.Unlock()
		return ErrNotRunning
	case model.ConsumerStatusPaused:
		c.mu.Unlock()
		return nil
	}
	c.status = model.ConsumerStatusPaused
	c.mu.Unlock()

	c.stateChanged(model.ConsumerStatusPaused)
	return nil
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	switch c.status {
	case model.ConsumerStatusStopped:
		c.mu.Unlock()
		return ErrNotRunning
	case model.ConsumerStatusRunning:
		c.mu.Unlock()
		return nil
	}
	c.status = model.ConsumerStatusRunning
	c.signal()
	c.mu.Unlock()

	c.stateChanged(model.ConsumerStatusRunning)
	return nil
}

// Stop halts the consumer for good and terminates the running job. It does
// not wait for the worker to exit. From STOPPED only Start is accepted.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if c.status == model.ConsumerStatusStopped {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.stopLocked()
	c.stopped = true
	c.mu.Unlock()

	c.stateChanged(model.ConsumerStatusStopped)
	return nil
}

func (c *Consumer) stopLocked() {
	c.status = model.ConsumerStatusStopped
	if c.current != nil {
		c.current.terminated = true
	}
	if c.cancelWork != nil {
		c.cancelWork()
		c.cancelWork = nil
	}
}

// Restart stops the consumer and starts a fresh worker once the old one has
// exited. It never blocks on the running job.
func (c *Consumer) Restart() error {
	if !c.opts.RestartSupported {
		return ErrRestartUnsupported
	}
	c.mu.Lock()
	c.stopLocked()
	c.stopped = false
	status, pausedOnStart := c.launchLocked(c.workerDone)
	c.mu.Unlock()

	c.logger.Infof("consumer restarted")
	if pausedOnStart {
		c.broadcastPause()
	}
	c.stateChanged(status)
	return nil
}

func (c *Consumer) work(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		job, rj, ok := c.next(ctx)
		if !ok {
			return
		}
		c.execute(job, rj)
	}
}

// next blocks until the consumer is RUNNING with a pending job, then moves
// the head into the started list and makes it current.
func (c *Consumer) next(ctx context.Context) (model.Job, *runningJob, bool) {
	for {
		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return model.Job{}, nil, false
		}
		if c.status == model.ConsumerStatusRunning {
			if head, ok := c.pending.Peek(); ok {
				if c.ran[head.ID] {
					c.pending.Poll()
					c.mu.Unlock()
					c.refuse(head)
					continue
				}
				c.started.Add(head)
				c.pending.Poll()
				c.ran[head.ID] = true
				jobCtx, cancel := context.WithCancel(ctx)
				rj := &runningJob{id: head.ID, ctx: jobCtx, cancel: cancel}
				c.current = rj
				c.mu.Unlock()
				return head, rj, true
			}
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Job{}, nil, false
		case <-wake:
		}
	}
}

func (c *Consumer) execute(job model.Job, rj *runningJob) {
	defer func() {
		c.mu.Lock()
		if c.current == rj {
			c.current = nil
		}
		if !c.started.Contains(rj.id) {
			delete(c.ran, rj.id)
		}
		c.mu.Unlock()
		rj.cancel()
	}()

	switch {
	case job.Status == model.JobStatusRequestTerminate:
		c.finish(job.ID, model.JobStatusTerminated, "Run aborted before started")
		return
	case job.Status.IsFinal():
		c.logger.Infof("job %s is already %s, skipped", job.ID, job.Status)
		return
	}

	proc, err := c.opts.Runner.CreateProcess(job.Clone(), c.reporter(job.ID))
	if err != nil {
		c.finish(job.ID, model.JobStatusFailed, err.Error())
		return
	}
	c.mu.Lock()
	rj.proc = proc
	c.mu.Unlock()

	c.update(job.ID, func(j *model.Job) {
		c.transition(j, model.JobStatusRunning)
		j.StartTime = time.Now().UTC()
		j.Message = "Running"
	})
	c.logger.Infof("running job %s (%s)", job.ID, job.Name)

	runErr := proc.Run(rj.ctx)

	c.mu.Lock()
	terminated := rj.terminated
	c.mu.Unlock()
	switch {
	case terminated:
		c.finish(job.ID, model.JobStatusTerminated, "Job terminated")
	case runErr != nil:
		c.finish(job.ID, model.JobStatusFailed, runErr.Error())
	default:
		c.finish(job.ID, model.JobStatusComplete, "Job complete")
	}
}

// transition changes j's status. A final status is never left; other
// transitions the job state machine does not list are logged and applied,
// since the worker's view of its own job is authoritative.
func (c *Consumer) transition(j *model.Job, to model.JobStatus) {
	if err := model.ValidateJobTransition(j.Status, to); err != nil {
		c.logger.Warnf("job %s: %v", j.ID, err)
		if j.Status.IsFinal() {
			return
		}
	}
	*j = j.WithStatus(to)
}

// update applies fn to the started entry and publishes the result.
func (c *Consumer) update(id string, fn func(*model.Job)) {
	var updated model.Job
	ok := c.started.Update(id, func(j *model.Job) {
		fn(j)
		updated = *j
	})
	if ok {
		c.publishJob(updated)
	}
}

func (c *Consumer) finish(id string, status model.JobStatus, msg string) {
	c.update(id, func(j *model.Job) {
		c.transition(j, status)
		j.Message = msg
		j.EndTime = time.Now().UTC()
		if status == model.JobStatusComplete {
			j.Percent = 100
		}
	})
	c.logger.Infof("job %s %s: %s", id, status, msg)
}

func (c *Consumer) reporter(id string) model.Reporter {
	return func(percent float64, message string) {
		c.update(id, func(j *model.Job) {
			j.Percent = percent
			if message != "" {
				j.Message = message
			}
		})
	}
}

// refuse drops a job whose identifier has already been run by this consumer.
// The existing started entry keeps that identifier.
func (c *Consumer) refuse(job model.Job) {
	failed := job.WithStatus(model.JobStatusFailed)
	failed.Message = "job " + job.ID + " has already been run"
	failed.EndTime = time.Now().UTC()
	c.publishJob(failed)
	c.logger.Warnf("%s, refused", failed.Message)
}
