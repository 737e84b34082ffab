// Package proxy is the client-side handle on one queue served by a beamq daemon.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opengda/beamq/internal/command"
	"github.com/opengda/beamq/internal/model"
	"github.com/opengda/beamq/internal/uds"
)

var (
	ErrClosed        = errors.New("queue proxy is closed")
	ErrEndpoint      = errors.New("malformed endpoint")
	ErrCommandFailed = errors.New("command failed")
)

// ParseEndpoint accepts "unix:///path/to/beamq.sock" or a plain socket path
// and returns the socket path.
func ParseEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	switch {
	case endpoint == "":
		return "", fmt.Errorf("%w: empty", ErrEndpoint)
	case strings.HasPrefix(endpoint, "unix://"):
		path := strings.TrimPrefix(endpoint, "unix://")
		if path == "" {
			return "", fmt.Errorf("%w: %q has no socket path", ErrEndpoint, endpoint)
		}
		return filepath.Clean(path), nil
	case strings.Contains(endpoint, "://"):
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrEndpoint, endpoint)
	}
	return filepath.Clean(endpoint), nil
}

// Proxy must be closed after use.
type Proxy struct {
	client *uds.Client
	queue  string

	mu     sync.Mutex
	closed bool
}

// Dial connects to the daemon at endpoint and checks that it answers.
func Dial(ctx context.Context, endpoint, queueName string) (*Proxy, error) {
	path, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	p := &Proxy{client: uds.NewClient(path), queue: queueName}
	if err := p.client.Call(ctx, uds.CmdPing, nil, nil); err != nil {
		return nil, err
	}
	return p, nil
}

// SetTimeout bounds each request.
func (p *Proxy) SetTimeout(d time.Duration) { p.client.SetTimeout(d) }

func (p *Proxy) QueueName() string { return p.queue }

func (p *Proxy) call(ctx context.Context, cmd string, params, out any) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return p.client.Call(ctx, cmd, params, out)
}

// Submission returns the pending jobs, head first.
func (p *Proxy) Submission(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	if err := p.call(ctx, uds.CmdQueue, uds.QueueParams{QueueName: p.queue}, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (p *Proxy) RunningAndCompleted(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	if err := p.call(ctx, uds.CmdRunning, uds.QueueParams{QueueName: p.queue}, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Info returns the latest status snapshot of the queue's consumer.
func (p *Proxy) Info(ctx context.Context) (model.ConsumerStatusSnapshot, error) {
	var snap model.ConsumerStatusSnapshot
	err := p.call(ctx, uds.CmdStatus, uds.QueueParams{QueueName: p.queue}, &snap)
	return snap, err
}

func (p *Proxy) QueueStatus(ctx context.Context) (model.ConsumerStatus, error) {
	snap, err := p.Info(ctx)
	if err != nil {
		return "", err
	}
	return snap.Status, nil
}

// Send addresses cmd to the proxy's queue and returns the acknowledgement.
// A command the consumer could not apply yields the ack and an error
// wrapping ErrCommandFailed.
func (p *Proxy) Send(ctx context.Context, cmd command.Command) (command.Envelope, error) {
	return p.SendTo(ctx, command.ForQueue(p.queue), cmd, "")
}

func (p *Proxy) SendTo(ctx context.Context, target command.Target, cmd command.Command, message string) (command.Envelope, error) {
	env := command.Encode(target, cmd, message)
	var reply command.Envelope
	if err := p.call(ctx, uds.CmdCommand, env, &reply); err != nil {
		return command.Envelope{}, err
	}
	if reply.Failed() {
		return reply, fmt.Errorf("%w: %s", ErrCommandFailed, reply.ErrorMessage)
	}
	return reply, nil
}

// Close releases the handle. Further calls fail with ErrClosed.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
