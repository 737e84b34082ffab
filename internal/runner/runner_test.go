package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengda/beamq/internal/model"
)

type progress struct {
	mu      sync.Mutex
	percent []float64
}

func (p *progress) report(pct float64, _ string) {
	p.mu.Lock()
	p.percent = append(p.percent, pct)
	p.mu.Unlock()
}

func (p *progress) last() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.percent) == 0 {
		return -1
	}
	return p.percent[len(p.percent)-1]
}

func TestSimulated_RunsToCompletion(t *testing.T) {
	var p progress
	proc, err := Simulated{Step: 5 * time.Millisecond}.CreateProcess(
		model.NewJob("sim", model.JobSpec{DurationMs: 20}), p.report)
	require.NoError(t, err)

	require.NoError(t, proc.Run(context.Background()))
	assert.Equal(t, 100.0, p.last())
}

func TestSimulated_Fails(t *testing.T) {
	proc, err := Simulated{Step: time.Millisecond}.CreateProcess(
		model.NewJob("sim", model.JobSpec{DurationMs: 2, Params: map[string]string{"fail": "true"}}), nil)
	require.NoError(t, err)
	assert.Error(t, proc.Run(context.Background()))
}

func TestSimulated_CancelWhilePaused(t *testing.T) {
	proc, err := Simulated{Step: 5 * time.Millisecond}.CreateProcess(
		model.NewJob("sim", model.JobSpec{DurationMs: 10_000}), nil)
	require.NoError(t, err)
	require.NoError(t, proc.Pause())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSimulated_PauseResume(t *testing.T) {
	var p progress
	proc, err := Simulated{Step: 2 * time.Millisecond}.CreateProcess(
		model.NewJob("sim", model.JobSpec{DurationMs: 20}), p.report)
	require.NoError(t, err)
	require.NoError(t, proc.Pause())

	done := make(chan error, 1)
	go func() { done <- proc.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("paused process finished")
	default:
	}
	require.NoError(t, proc.Resume())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("resumed process did not finish")
	}
}

func TestExec_Success(t *testing.T) {
	var p progress
	proc, err := Exec{}.CreateProcess(model.NewJob("echo", model.JobSpec{
		Command: []string{"sh", "-c", "echo $GREETING"},
		Env:     map[string]string{"GREETING": "hi"},
	}), p.report)
	require.NoError(t, err)
	require.NoError(t, proc.Run(context.Background()))
	assert.Equal(t, 100.0, p.last())
}

func TestExec_FailureCarriesOutput(t *testing.T) {
	proc, err := Exec{}.CreateProcess(model.NewJob("fail", model.JobSpec{
		Command: []string{"sh", "-c", "echo detector offline >&2; exit 3"},
	}), nil)
	require.NoError(t, err)
	err = proc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detector offline")
}

func TestExec_Cancel(t *testing.T) {
	proc, err := Exec{}.CreateProcess(model.NewJob("sleep", model.JobSpec{
		Command: []string{"sleep", "10"},
	}), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = proc.Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestExec_NoCommand(t *testing.T) {
	_, err := Exec{}.CreateProcess(model.NewJob("empty", model.JobSpec{}), nil)
	assert.Error(t, err)
}

func TestFunc_NotPausable(t *testing.T) {
	proc, err := Func(func(context.Context, model.Job, model.Reporter) error { return nil }).
		CreateProcess(model.NewJob("f", model.JobSpec{}), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, proc.Pause(), ErrNotPausable)
	assert.NoError(t, proc.Run(context.Background()))
}

func TestNew(t *testing.T) {
	r, err := New("simulate")
	require.NoError(t, err)
	assert.IsType(t, Simulated{}, r)

	_, err = New("corba")
	assert.Error(t, err)
}
