package consumer

import (
	"errors"
	"fmt"
	"time"

	"github.com/opengda/beamq/internal/command"
	"github.com/opengda/beamq/internal/idqueue"
	"github.com/opengda/beamq/internal/model"
)

// Process decodes and applies env and returns its acknowledgement. It runs
// on the delivering goroutine and never waits for a job to finish.
func (c *Consumer) Process(env command.Envelope) command.Envelope {
	cmd, err := command.Decode(env)
	if err != nil {
		return command.Reply(env, nil, c.commandError(env.Kind, err))
	}
	result, err := c.Apply(cmd)
	if err != nil {
		return command.Reply(env, nil, c.commandError(env.Kind, err))
	}
	return command.Reply(env, result, nil)
}

func (c *Consumer) commandError(kind command.Kind, err error) error {
	return fmt.Errorf("could not process %s command for queue %s: %w", kind, c.opts.QueueName, err)
}

// Apply executes a decoded command. Query commands return their result.
func (c *Consumer) Apply(cmd command.Command) (any, error) {
	c.logger.Debugf("applying %s", cmd.Kind())
	switch cmd := cmd.(type) {
	case command.PauseQueue:
		return nil, c.Pause()
	case command.ResumeQueue:
		return nil, c.Resume()
	case command.StopQueue:
		return nil, c.Stop()
	case command.RestartQueue:
		return nil, c.Restart()
	case command.ClearQueue:
		c.ClearQueue()
		return nil, nil
	case command.ClearCompleted:
		c.ClearCompleted()
		return nil, nil
	case command.SubmitJob:
		return nil, c.Submit(cmd.Job)
	case command.PauseJob:
		return nil, c.PauseJob(cmd.JobID)
	case command.ResumeJob:
		return nil, c.ResumeJob(cmd.JobID)
	case command.TerminateJob:
		return nil, c.TerminateJob(cmd.JobID)
	case command.MoveForward:
		return nil, c.MoveForward(cmd.JobID)
	case command.MoveBackward:
		return nil, c.MoveBackward(cmd.JobID)
	case command.RemoveFromQueue:
		return nil, c.RemoveFromQueue(cmd.JobID)
	case command.RemoveCompleted:
		return nil, c.RemoveCompleted(cmd.JobID)
	case command.GetQueue:
		return c.Submission(), nil
	case command.GetRunningAndCompleted:
		return c.RunningAndCompleted(), nil
	case command.GetInfo:
		return c.Snapshot(), nil
	}
	return nil, fmt.Errorf("%w: unsupported command %T", command.ErrInvalid, cmd)
}

// currentJob returns the running job when its ID matches. Callers hold mu.
func (c *Consumer) currentJob(id string) (*runningJob, error) {
	if c.current == nil || c.current.id != id {
		return nil, fmt.Errorf("%w: %s", ErrJobNotRunning, id)
	}
	return c.current, nil
}

func (c *Consumer) PauseJob(id string) error {
	c.mu.Lock()
	rj, err := c.currentJob(id)
	if err == nil && rj.proc == nil {
		err = fmt.Errorf("%w: %s has not started its process yet", ErrJobNotRunning, id)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.update(id, func(j *model.Job) { c.transition(j, model.JobStatusRequestPause) })
	if err := rj.proc.Pause(); err != nil {
		c.update(id, func(j *model.Job) { c.transition(j, model.JobStatusRunning) })
		return fmt.Errorf("pause job %s: %w", id, err)
	}
	c.update(id, func(j *model.Job) {
		c.transition(j, model.JobStatusPaused)
		j.Message = "Job paused"
	})
	return nil
}

func (c *Consumer) ResumeJob(id string) error {
	c.mu.Lock()
	rj, err := c.currentJob(id)
	if err == nil && rj.proc == nil {
		err = fmt.Errorf("%w: %s has not started its process yet", ErrJobNotRunning, id)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.update(id, func(j *model.Job) { c.transition(j, model.JobStatusRequestResume) })
	if err := rj.proc.Resume(); err != nil {
		c.update(id, func(j *model.Job) { c.transition(j, model.JobStatusPaused) })
		return fmt.Errorf("resume job %s: %w", id, err)
	}
	c.update(id, func(j *model.Job) {
		c.transition(j, model.JobStatusRunning)
		j.Message = "Running"
	})
	return nil
}

// TerminateJob cancels the running job's context. The worker records the
// job as TERMINATED once the process returns.
func (c *Consumer) TerminateJob(id string) error {
	c.mu.Lock()
	rj, err := c.currentJob(id)
	if err == nil {
		rj.terminated = true
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.update(id, func(j *model.Job) {
		c.transition(j, model.JobStatusRequestTerminate)
		j.Message = "Terminate requested"
	})
	rj.cancel()
	return nil
}

// pendingOnly explains why a job could not be found in the pending queue.
func (c *Consumer) pendingOnly(id string, err error) error {
	if errors.Is(err, idqueue.ErrNotFound) && c.started.Contains(id) {
		return fmt.Errorf("%w: %s", ErrJobStarted, id)
	}
	return err
}

// MoveForward moves a pending job one place toward the head.
func (c *Consumer) MoveForward(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingOnly(id, c.pending.MoveUp(id))
}

// MoveBackward moves a pending job one place toward the tail.
func (c *Consumer) MoveBackward(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingOnly(id, c.pending.MoveDown(id))
}

func (c *Consumer) RemoveFromQueue(id string) error {
	c.mu.Lock()
	removed := c.pending.Remove(id)
	c.mu.Unlock()
	if !removed {
		return c.pendingOnly(id, fmt.Errorf("remove %s: %w", id, idqueue.ErrNotFound))
	}
	c.logger.Infof("removed pending job %s", id)
	return nil
}

// RemoveCompleted deletes a finished job from the running-and-completed list.
func (c *Consumer) RemoveCompleted(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.id == id {
		return fmt.Errorf("%w: %s", ErrJobStillRunning, id)
	}
	job, ok := c.started.Find(id)
	if !ok {
		return fmt.Errorf("remove completed %s: %w", id, idqueue.ErrNotFound)
	}
	if !job.Status.IsFinal() {
		return fmt.Errorf("%w: %s is %s", ErrJobStillRunning, id, job.Status)
	}
	c.started.Remove(id)
	delete(c.ran, id)
	return nil
}

// ClearQueue empties the pending queue.
func (c *Consumer) ClearQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending.Clear()
}

// ClearCompleted empties the running-and-completed list, the running job's
// entry included. The job keeps running; its later updates find no entry.
func (c *Consumer) ClearCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started.Clear()
	c.forgetLocked()
}

// forgetLocked drops run records of jobs no longer in the started list.
// The running job stays recorded so it cannot be started twice.
func (c *Consumer) forgetLocked() {
	for id := range c.ran {
		if c.current != nil && c.current.id == id {
			continue
		}
		if !c.started.Contains(id) {
			delete(c.ran, id)
		}
	}
}

// CleanUpCompleted ages the running-and-completed list: entries that never
// started or are paused without a live process are failed; failed and NONE
// entries are dropped; running entries older than MaxRunningAge and final
// entries older than MaxCompleteAge (by submission time) are dropped. It
// returns the number of entries removed.
func (c *Consumer) CleanUpCompleted(now time.Time) int {
	c.mu.Lock()
	currentID := ""
	if c.current != nil {
		currentID = c.current.id
	}

	var failed []model.Job
	removed := 0
	c.started.Apply(func(jobs []model.Job) []model.Job {
		kept := jobs[:0]
		for _, j := range jobs {
			age := now.Sub(j.SubmissionTime)
			switch {
			case j.ID == currentID:
			case !j.Status.IsStarted() || j.Status == model.JobStatusPaused:
				j = j.WithStatus(model.JobStatusFailed)
				j.Message = "Job was not running when the queue was cleaned"
				j.EndTime = now
				failed = append(failed, j)
			case j.Status == model.JobStatusFailed || j.Status == model.JobStatusNone:
				removed++
				continue
			case j.Status.IsRunning() && age > c.opts.MaxRunningAge:
				removed++
				continue
			case j.Status.IsFinal() && age > c.opts.MaxCompleteAge:
				removed++
				continue
			}
			kept = append(kept, j)
		}
		return kept
	})
	if removed > 0 {
		c.forgetLocked()
	}
	c.mu.Unlock()

	for _, j := range failed {
		c.publishJob(j)
	}
	if removed > 0 || len(failed) > 0 {
		c.logger.Infof("clean-up removed %d and failed %d entries", removed, len(failed))
	}
	return removed
}
