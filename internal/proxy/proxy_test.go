package proxy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengda/beamq/internal/command"
	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
	"github.com/opengda/beamq/internal/uds"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"unix:///run/beamq/beamq.sock", "/run/beamq/beamq.sock", false},
		{"/tmp/x.sock", "/tmp/x.sock", false},
		{".beamq/beamq.sock", ".beamq/beamq.sock", false},
		{"", "", true},
		{"unix://", "", true},
		{"tcp://localhost:61616", "", true},
		{"failover:(tcp://a:61616)", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEndpoint(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrEndpoint)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// fakeDaemon serves canned answers for one queue.
func fakeDaemon(t *testing.T, pending []model.Job) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "bq-proxy-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "d.sock")

	s := uds.NewServer(sock, logging.Discard())
	s.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response { return uds.SuccessResponse(nil) })
	s.Handle(uds.CmdQueue, func(_ context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(pending)
	})
	s.Handle(uds.CmdRunning, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse([]model.Job{})
	})
	s.Handle(uds.CmdStatus, func(_ context.Context, req *uds.Request) *uds.Response {
		var p uds.QueueParams
		_ = req.DecodeParams(&p)
		return uds.SuccessResponse(model.ConsumerStatusSnapshot{QueueName: p.QueueName, Status: model.ConsumerStatusPaused})
	})
	s.Handle(uds.CmdCommand, func(_ context.Context, req *uds.Request) *uds.Response {
		var env command.Envelope
		if err := json.Unmarshal(req.Params, &env); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		if env.Kind == command.KindMoveForward {
			env.ErrorMessage = "could not process MOVE_FORWARD command for queue q: item cannot move further"
		}
		return uds.SuccessResponse(env)
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return sock
}

func TestProxy_Queries(t *testing.T) {
	j := model.NewJob("scan", model.JobSpec{})
	sock := fakeDaemon(t, []model.Job{j})
	ctx := context.Background()

	p, err := Dial(ctx, "unix://"+sock, "q")
	require.NoError(t, err)
	defer p.Close()

	pending, err := p.Submission(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, j.ID, pending[0].ID)

	done, err := p.RunningAndCompleted(ctx)
	require.NoError(t, err)
	assert.Empty(t, done)

	status, err := p.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ConsumerStatusPaused, status)
}

func TestProxy_Send(t *testing.T) {
	sock := fakeDaemon(t, nil)
	ctx := context.Background()
	p, err := Dial(ctx, sock, "q")
	require.NoError(t, err)
	defer p.Close()

	ack, err := p.Send(ctx, command.PauseQueue{})
	require.NoError(t, err)
	assert.Equal(t, "q", ack.QueueName)

	ack, err = p.Send(ctx, command.MoveForward{JobID: model.NewID()})
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.True(t, ack.Failed())
}

func TestProxy_ClosedHandle(t *testing.T) {
	sock := fakeDaemon(t, nil)
	ctx := context.Background()
	p, err := Dial(ctx, sock, "q")
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Submission(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.Send(ctx, command.GetInfo{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDial_Unreachable(t *testing.T) {
	_, err := Dial(context.Background(), filepath.Join(t.TempDir(), "none.sock"), "q")
	assert.Error(t, err)

	_, err = Dial(context.Background(), "tcp://host:1", "q")
	assert.ErrorIs(t, err, ErrEndpoint)
}
