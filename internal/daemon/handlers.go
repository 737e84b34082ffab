package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opengda/beamq/internal/bus"
	"github.com/opengda/beamq/internal/command"
	"github.com/opengda/beamq/internal/uds"
)

var (
	errWrongConsumer = errors.New("no such consumer")
	errAckTimeout    = errors.New("no acknowledgement")
)

// ackRouter hands acknowledgements from the ack topic to the request
// waiting on the same envelope ID.
type ackRouter struct {
	mu      sync.Mutex
	waiters map[string]chan command.Envelope
	unsub   func()
}

func newAckRouter(b *bus.Bus) *ackRouter {
	r := &ackRouter{waiters: make(map[string]chan command.Envelope)}
	r.unsub = b.Subscribe(bus.TopicCommandAck, r.deliver)
	return r
}

func (r *ackRouter) register(id string) (<-chan command.Envelope, func()) {
	ch := make(chan command.Envelope, 1)
	r.mu.Lock()
	r.waiters[id] = ch
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
	}
}

func (r *ackRouter) deliver(msg any) {
	env, ok := msg.(command.Envelope)
	if !ok {
		return
	}
	r.mu.Lock()
	ch, ok := r.waiters[env.ID]
	delete(r.waiters, env.ID)
	r.mu.Unlock()
	if ok {
		ch <- env
	}
}

func (r *ackRouter) close() { r.unsub() }

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		d.cancel()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle(uds.CmdCommand, d.handleCommand)
	d.server.Handle(uds.CmdQueue, d.queueQuery(func() any { return d.consumer.Submission() }))
	d.server.Handle(uds.CmdRunning, d.queueQuery(func() any { return d.consumer.RunningAndCompleted() }))
	d.server.Handle(uds.CmdStatus, d.queueQuery(func() any { return d.consumer.Snapshot() }))
}

func (d *Daemon) queueQuery(get func() any) uds.HandlerFunc {
	return func(_ context.Context, req *uds.Request) *uds.Response {
		var params uds.QueueParams
		if err := req.DecodeParams(&params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
		}
		if params.QueueName != d.consumer.QueueName() {
			return uds.ErrorResponse(uds.ErrCodeNotFound,
				fmt.Sprintf("queue %q is not served here (serving %q)", params.QueueName, d.consumer.QueueName()))
		}
		return uds.SuccessResponse(get())
	}
}

func (d *Daemon) handleCommand(ctx context.Context, req *uds.Request) *uds.Response {
	var env command.Envelope
	if err := req.DecodeParams(&env); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	reply, err := d.dispatch(ctx, env)
	switch {
	case errors.Is(err, command.ErrInvalid):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	case errors.Is(err, errWrongConsumer):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, errAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return uds.ErrorResponse(uds.ErrCodeTimeout, err.Error())
	case err != nil:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(reply)
}

// dispatch publishes env on the command topic and waits for the consumer's
// acknowledgement. A command the consumer rejected is still a successful
// dispatch; its reason is in the reply's ErrorMessage.
func (d *Daemon) dispatch(ctx context.Context, env command.Envelope) (command.Envelope, error) {
	if err := env.Validate(); err != nil {
		return command.Envelope{}, err
	}
	if !d.consumer.IsFor(env) {
		return command.Envelope{}, fmt.Errorf("%w: command addressed to %+v, serving queue %q",
			errWrongConsumer, env.Target(), d.consumer.QueueName())
	}

	ackCh, cancel := d.acks.register(env.ID)
	defer cancel()

	timeout := time.Duration(d.config.Daemon.CommandTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	d.logger.Debugf("dispatching %s %s", env.Kind, env.ID)
	d.bus.Publish(bus.TopicCommand, env)

	select {
	case reply := <-ackCh:
		return reply, nil
	case <-timer.C:
		return command.Envelope{}, fmt.Errorf("%w for %s %s after %s", errAckTimeout, env.Kind, env.ID, timeout)
	case <-ctx.Done():
		return command.Envelope{}, ctx.Err()
	}
}
