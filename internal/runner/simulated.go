package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opengda/beamq/internal/model"
)

const defaultStep = 100 * time.Millisecond

// Simulated runs a job that does nothing for Spec.DurationMs, reporting
// progress every Step. Spec.Params["fail"] == "true" makes the job fail
// once the duration has elapsed.
type Simulated struct {
	Step time.Duration
}

func (s Simulated) CreateProcess(job model.Job, report model.Reporter) (Process, error) {
	if job.Spec.DurationMs < 0 {
		return nil, fmt.Errorf("job %s: negative duration", job.ID)
	}
	step := s.Step
	if step <= 0 {
		step = defaultStep
	}
	if report == nil {
		report = func(float64, string) {}
	}
	return &simulatedProcess{
		duration: time.Duration(job.Spec.DurationMs) * time.Millisecond,
		step:     step,
		fail:     job.Spec.Params["fail"] == "true",
		report:   report,
		resumed:  make(chan struct{}),
	}, nil
}

type simulatedProcess struct {
	duration time.Duration
	step     time.Duration
	fail     bool
	report   model.Reporter

	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

func (p *simulatedProcess) Run(ctx context.Context) error {
	var elapsed time.Duration
	ticker := time.NewTicker(p.step)
	defer ticker.Stop()

	p.report(0, "started")
	for elapsed < p.duration {
		if err := p.waitWhilePaused(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		p.mu.Lock()
		paused := p.paused
		p.mu.Unlock()
		if paused {
			continue
		}
		elapsed += p.step
		p.report(min(100, 100*float64(elapsed)/float64(p.duration)), "running")
	}
	if p.fail {
		return errors.New("simulated failure")
	}
	p.report(100, "finished")
	return nil
}

func (p *simulatedProcess) waitWhilePaused(ctx context.Context) error {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return nil
	}
	ch := p.resumed
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (p *simulatedProcess) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *simulatedProcess) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return nil
	}
	p.paused = false
	close(p.resumed)
	p.resumed = make(chan struct{})
	return nil
}
