package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/opengda/beamq/internal/model"
)

const maxCapturedOutput = 64 * 1024

// Exec runs Spec.Command as a child process. Pause and resume send
// SIGSTOP and SIGCONT.
type Exec struct{}

func (Exec) CreateProcess(job model.Job, report model.Reporter) (Process, error) {
	if len(job.Spec.Command) == 0 {
		return nil, fmt.Errorf("job %s has no command", job.ID)
	}
	if report == nil {
		report = func(float64, string) {}
	}
	return &execProcess{job: job, report: report}, nil
}

type execProcess struct {
	job    model.Job
	report model.Reporter

	mu  sync.Mutex
	cmd *exec.Cmd
}

type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxCapturedOutput - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (p *execProcess) Run(ctx context.Context) error {
	spec := p.job.Spec
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	var out limitedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	p.mu.Lock()
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start %s: %w", spec.Command[0], err)
	}
	p.cmd = cmd
	p.mu.Unlock()
	p.report(0, "started pid "+fmt.Sprint(cmd.Process.Pid))

	err := cmd.Wait()

	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		msg := lastLine(out.buf.String())
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	p.report(100, lastLine(out.buf.String()))
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (p *execProcess) signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return errors.New("process not running")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Pause() error  { return p.signal(syscall.SIGSTOP) }
func (p *execProcess) Resume() error { return p.signal(syscall.SIGCONT) }
