// Package runner turns queued jobs into runnable processes.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/opengda/beamq/internal/model"
)

// ErrNotPausable is returned by processes that cannot suspend.
var ErrNotPausable = errors.New("process cannot be paused")

// Process is one execution of a job. Run blocks until the job ends; a
// cancelled ctx must make Run return promptly with ctx.Err().
type Process interface {
	Run(ctx context.Context) error
	Pause() error
	Resume() error
}

// Runner creates the process for a job. report may be called from any
// goroutine while the process runs.
type Runner interface {
	CreateProcess(job model.Job, report model.Reporter) (Process, error)
}

// Func adapts a plain function to Runner. The resulting processes cannot be paused.
type Func func(ctx context.Context, job model.Job, report model.Reporter) error

func (f Func) CreateProcess(job model.Job, report model.Reporter) (Process, error) {
	return &funcProcess{fn: f, job: job, report: report}, nil
}

type funcProcess struct {
	fn     Func
	job    model.Job
	report model.Reporter
}

func (p *funcProcess) Run(ctx context.Context) error { return p.fn(ctx, p.job, p.report) }
func (p *funcProcess) Pause() error                  { return ErrNotPausable }
func (p *funcProcess) Resume() error                 { return ErrNotPausable }

// New returns the runner named in configuration.
func New(kind string) (Runner, error) {
	switch kind {
	case "exec", "":
		return Exec{}, nil
	case "simulate":
		return Simulated{}, nil
	default:
		return nil, fmt.Errorf("unknown runner %q", kind)
	}
}
