// Package consumer runs the jobs of one named queue, one at a time, and
// applies the commands routed to it.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/opengda/beamq/internal/bus"
	"github.com/opengda/beamq/internal/command"
	"github.com/opengda/beamq/internal/idqueue"
	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
	"github.com/opengda/beamq/internal/runner"
	"github.com/opengda/beamq/internal/store"
)

var (
	ErrNotRunning         = errors.New("consumer is not running")
	ErrStopped            = errors.New("consumer has been stopped")
	ErrRestartUnsupported = errors.New("consumer does not support restart")
	ErrJobNotRunning      = errors.New("job not running")
	ErrJobStarted         = errors.New("job is running or completed")
	ErrJobStillRunning    = errors.New("job is still running")
)

type Options struct {
	QueueName string
	Name      string
	Beamline  string
	Host      string
	Runner    runner.Runner

	// StatusInterval is the period of heartbeat snapshots on the status topic.
	StatusInterval time.Duration
	// PauseOnStart pauses the consumer at start when jobs are already waiting.
	PauseOnStart bool
	// Entries in the running-and-completed list older than these ages (by
	// submission time) are removed by CleanUpCompleted.
	MaxRunningAge  time.Duration
	MaxCompleteAge time.Duration

	Bus              *bus.Bus
	Store            store.Store
	RestartSupported bool
	Logger           *logging.Logger
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = "Consumer " + o.QueueName
	}
	if o.Host == "" {
		o.Host, _ = os.Hostname()
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = 2 * time.Second
	}
	if o.MaxRunningAge <= 0 {
		o.MaxRunningAge = 48 * time.Hour
	}
	if o.MaxCompleteAge <= 0 {
		o.MaxCompleteAge = 7 * 24 * time.Hour
	}
	if o.Runner == nil {
		o.Runner = runner.Exec{}
	}
}

// runningJob is the job currently owned by the worker.
type runningJob struct {
	id         string
	ctx        context.Context
	cancel     context.CancelFunc
	proc       runner.Process
	terminated bool
}

// Consumer owns a pending queue and a running-and-completed list.
//
// mu guards the consumer state and serializes structural changes to the
// pending queue, so the worker can move the head into the started list
// without racing a reorder or removal.
type Consumer struct {
	id     string
	opts   Options
	logger *logging.Logger

	pending *idqueue.Queue[model.Job]
	started *idqueue.Queue[model.Job]

	mu         sync.Mutex
	status     model.ConsumerStatus
	stopped    bool
	startTime  time.Time
	current    *runningJob
	ran        map[string]bool
	wake       chan struct{}
	cancelWork context.CancelFunc
	workerDone chan struct{}
	listeners  []func(model.ConsumerStatus)

	connMu     sync.Mutex
	unsubs     []func()
	tickerStop chan struct{}
	tickerDone chan struct{}
	closeOnce  sync.Once
}

// New builds a stopped consumer, reloading both lists from opts.Store. Jobs
// that were mid-run when the previous process died are marked FAILED.
func New(opts Options) (*Consumer, error) {
	if opts.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	opts.applyDefaults()

	c := &Consumer{
		id:         model.NewID(),
		opts:       opts,
		logger:     opts.Logger.With("consumer " + opts.QueueName),
		status:     model.ConsumerStatusStopped,
		ran:        make(map[string]bool),
		wake:       make(chan struct{}, 1),
		workerDone: closedChan(),
	}

	var pendingJobs, startedJobs []model.Job
	if opts.Store != nil {
		var err error
		if pendingJobs, err = opts.Store.Load(opts.QueueName, store.ListPending); err != nil {
			return nil, fmt.Errorf("load pending jobs: %w", err)
		}
		if startedJobs, err = opts.Store.Load(opts.QueueName, store.ListStarted); err != nil {
			return nil, fmt.Errorf("load started jobs: %w", err)
		}
	}
	for i, j := range startedJobs {
		c.ran[j.ID] = true
		if !j.Status.IsFinal() {
			j = j.WithStatus(model.JobStatusFailed)
			j.Message = "consumer restarted while the job was active"
			if j.EndTime.IsZero() {
				j.EndTime = time.Now().UTC()
			}
			startedJobs[i] = j
		}
	}

	c.pending = idqueue.New(idqueue.WithItems(pendingJobs), idqueue.WithPersist(c.persister(store.ListPending)))
	c.started = idqueue.New(idqueue.WithItems(startedJobs), idqueue.WithPersist(c.persister(store.ListStarted)))
	if len(startedJobs) > 0 {
		c.persister(store.ListStarted)(startedJobs)
	}
	return c, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (c *Consumer) persister(list string) func([]model.Job) {
	return func(jobs []model.Job) {
		if c.opts.Store == nil {
			return
		}
		if err := c.opts.Store.Save(c.opts.QueueName, list, jobs); err != nil {
			c.logger.Errorf("persist %s list: %v", list, err)
		}
	}
}

func (c *Consumer) ID() string        { return c.id }
func (c *Consumer) QueueName() string { return c.opts.QueueName }
func (c *Consumer) Name() string      { return c.opts.Name }

// IsFor reports whether env is addressed to this consumer, by ID or by queue name.
func (c *Consumer) IsFor(env command.Envelope) bool {
	return env.Target().Matches(c.id, c.opts.QueueName)
}

func (c *Consumer) Status() model.ConsumerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Snapshot returns a freshly built status report.
func (c *Consumer) Snapshot() model.ConsumerStatusSnapshot {
	c.mu.Lock()
	status, start := c.status, c.startTime
	c.mu.Unlock()
	return model.ConsumerStatusSnapshot{
		ConsumerID:   c.id,
		ConsumerName: c.opts.Name,
		QueueName:    c.opts.QueueName,
		Beamline:     c.opts.Beamline,
		HostName:     c.opts.Host,
		Status:       status,
		StartTime:    start,
		PublishTime:  time.Now().UTC(),
	}
}

// Submission returns the pending jobs, head first.
func (c *Consumer) Submission() []model.Job { return c.pending.Snapshot() }

// RunningAndCompleted returns the started jobs in the order they were started.
func (c *Consumer) RunningAndCompleted() []model.Job { return c.started.Snapshot() }

// OnStatusChange registers fn to be called after every consumer state change.
func (c *Consumer) OnStatusChange(fn func(model.ConsumerStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Submit appends job to the pending queue.
func (c *Consumer) Submit(job model.Job) error {
	if !model.ValidateID(job.ID) {
		return fmt.Errorf("job id %q is not a UUID", job.ID)
	}
	if job.Status == "" || job.Status == model.JobStatusNone {
		job.Status = model.JobStatusSubmitted
	}
	if job.SubmissionTime.IsZero() {
		job.SubmissionTime = time.Now().UTC()
	}
	c.mu.Lock()
	c.pending.Add(job)
	c.signal()
	c.mu.Unlock()

	c.publishJob(job)
	c.logger.Infof("submitted job %s (%s)", job.ID, job.Name)
	return nil
}

// signal wakes the worker. Callers hold mu.
func (c *Consumer) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Consumer) publishJob(job model.Job) {
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Publish(bus.TopicJobStatus, model.JobUpdate{Source: c.id, Queue: c.opts.QueueName, Job: job.Clone()})
}

func (c *Consumer) publishStatus() {
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Publish(bus.TopicConsumerStatus, c.Snapshot())
}

// stateChanged publishes and notifies listeners. Callers must not hold mu.
func (c *Consumer) stateChanged(status model.ConsumerStatus) {
	c.mu.Lock()
	listeners := append([]func(model.ConsumerStatus){}, c.listeners...)
	c.mu.Unlock()

	c.logger.Infof("consumer is %s", status)
	c.publishStatus()
	for _, fn := range listeners {
		fn(status)
	}
}

// Connect subscribes the consumer to the command and job status topics and
// starts the status heartbeat. It does not start job processing.
func (c *Consumer) Connect() {
	b := c.opts.Bus
	if b == nil {
		return
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.tickerStop != nil {
		return
	}

	c.unsubs = append(c.unsubs,
		b.Subscribe(bus.TopicCommand, c.onCommand),
		b.Subscribe(bus.TopicJobStatus, c.onJobUpdate),
	)

	c.tickerStop = make(chan struct{})
	c.tickerDone = make(chan struct{})
	go c.heartbeat(c.tickerStop, c.tickerDone)
}

func (c *Consumer) heartbeat(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.opts.StatusInterval)
	defer t.Stop()
	c.publishStatus()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.publishStatus()
		}
	}
}

func (c *Consumer) onCommand(msg any) {
	env, ok := msg.(command.Envelope)
	if !ok || !c.IsFor(env) {
		return
	}
	reply := c.Process(env)
	if reply.Failed() {
		c.logger.Warnf("%s", reply.ErrorMessage)
	}
	c.opts.Bus.Publish(bus.TopicCommandAck, reply)
}

func (c *Consumer) onJobUpdate(msg any) {
	upd, ok := msg.(model.JobUpdate)
	if !ok || upd.Source == c.id {
		return
	}
	if upd.Queue != "" && upd.Queue != c.opts.QueueName {
		return
	}
	c.applyExternalUpdate(upd.Job)
}

// applyExternalUpdate replaces the matching entry with a bean published by
// another process. Request statuses aimed at the running job are turned into
// the corresponding job command instead.
func (c *Consumer) applyExternalUpdate(job model.Job) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur != nil && cur.id == job.ID {
		var err error
		switch job.Status {
		case model.JobStatusRequestTerminate:
			err = c.TerminateJob(job.ID)
		case model.JobStatusRequestPause:
			err = c.PauseJob(job.ID)
		case model.JobStatusRequestResume:
			err = c.ResumeJob(job.ID)
		}
		if err != nil {
			c.logger.Warnf("external %s for %s: %v", job.Status, job.ID, err)
		}
		return
	}

	if c.pending.Replace(job) {
		c.logger.Debugf("pending job %s updated to %s", job.ID, job.Status)
		return
	}
	if c.started.Replace(job) {
		c.logger.Debugf("started job %s updated to %s", job.ID, job.Status)
	}
}

// Close unsubscribes, stops the consumer and waits for the worker to exit
// or ctx to expire.
func (c *Consumer) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.connMu.Lock()
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.unsubs = nil
		if c.tickerStop != nil {
			close(c.tickerStop)
			<-c.tickerDone
		}
		c.connMu.Unlock()
		_ = c.Stop()
	})

	c.mu.Lock()
	done := c.workerDone
	c.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker: %w", ctx.Err())
	}
}
