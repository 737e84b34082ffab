package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengda/beamq/internal/audit"
	"github.com/opengda/beamq/internal/command"
	"github.com/opengda/beamq/internal/lock"
	"github.com/opengda/beamq/internal/model"
	"github.com/opengda/beamq/internal/proxy"
	"github.com/opengda/beamq/internal/uds"
	yamlutil "github.com/opengda/beamq/internal/yaml"
)

const testQueue = "test.queue"

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Consumer.QueueName = testQueue
	cfg.Consumer.Runner = "simulate"
	cfg.Consumer.StatusIntervalSec = 1
	cfg.Store.Driver = "memory"
	cfg.Cleanup.Enabled = false
	cfg.Monitor.Enabled = false
	cfg.Daemon.CommandTimeoutSec = 5
	cfg.Daemon.ShutdownTimeoutSec = 5
	return cfg
}

// shortDir keeps socket paths under the sun_path limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "bqd-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startDaemon(t *testing.T, dir string, cfg model.Config) *Daemon {
	t.Helper()
	d := newDaemon(dir, cfg, io.Discard, nil)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Shutdown() })
	return d
}

func dial(t *testing.T, dir, queue string) *proxy.Proxy {
	t.Helper()
	p, err := proxy.Dial(context.Background(), SocketPath(dir), queue)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func jobStatus(t *testing.T, p *proxy.Proxy, id string) model.JobStatus {
	t.Helper()
	jobs, err := p.RunningAndCompleted(context.Background())
	require.NoError(t, err)
	for _, j := range jobs {
		if j.ID == id {
			return j.Status
		}
	}
	return ""
}

func TestDaemon_SubmitRunsJob(t *testing.T) {
	dir := shortDir(t)
	startDaemon(t, dir, testConfig())
	p := dial(t, dir, testQueue)

	job := model.NewJob("scan", model.JobSpec{DurationMs: 50})
	ack, err := p.Send(context.Background(), command.SubmitJob{Job: job})
	require.NoError(t, err)
	assert.Equal(t, command.KindSubmitJob, ack.Kind)
	assert.False(t, ack.Failed())

	require.Eventually(t, func() bool {
		return jobStatus(t, p, job.ID) == model.JobStatusComplete
	}, 5*time.Second, 20*time.Millisecond)

	info, err := p.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testQueue, info.QueueName)
	assert.Equal(t, model.ConsumerStatusRunning, info.Status)
}

func TestDaemon_RejectedCommandIsAcknowledged(t *testing.T) {
	dir := shortDir(t)
	startDaemon(t, dir, testConfig())
	p := dial(t, dir, testQueue)

	ack, err := p.Send(context.Background(), command.MoveForward{JobID: "missing"})
	require.ErrorIs(t, err, proxy.ErrCommandFailed)
	assert.Contains(t, ack.ErrorMessage, "could not process MOVE_FORWARD command for queue "+testQueue)
}

func TestDaemon_OtherQueueNotFound(t *testing.T) {
	dir := shortDir(t)
	startDaemon(t, dir, testConfig())
	p := dial(t, dir, "other.queue")

	var detail *uds.ErrorDetail
	_, err := p.Submission(context.Background())
	require.True(t, errors.As(err, &detail), "got %v", err)
	assert.Equal(t, uds.ErrCodeNotFound, detail.Code)

	_, err = p.Send(context.Background(), command.PauseQueue{})
	require.True(t, errors.As(err, &detail), "got %v", err)
	assert.Equal(t, uds.ErrCodeNotFound, detail.Code)
}

func TestDaemon_InvalidEnvelope(t *testing.T) {
	dir := shortDir(t)
	startDaemon(t, dir, testConfig())

	client := uds.NewClient(SocketPath(dir))
	err := client.Call(context.Background(), uds.CmdCommand, command.Envelope{ID: "x", Kind: command.KindPauseQueue}, nil)
	var detail *uds.ErrorDetail
	require.True(t, errors.As(err, &detail), "got %v", err)
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)
}

func TestDaemon_SecondInstanceIsLockedOut(t *testing.T) {
	dir := shortDir(t)
	startDaemon(t, dir, testConfig())

	second := newDaemon(dir, testConfig(), io.Discard, nil)
	err := second.Start()
	assert.ErrorIs(t, err, lock.ErrLocked)
	_, statErr := os.Stat(SocketPath(dir))
	assert.NoError(t, statErr, "first daemon's socket must survive")
}

func TestDaemon_ShutdownViaUDS(t *testing.T) {
	dir := shortDir(t)
	d := startDaemon(t, dir, testConfig())

	client := uds.NewClient(SocketPath(dir))
	require.NoError(t, client.Call(context.Background(), uds.CmdShutdown, nil, nil))

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown request did not cancel the daemon")
	}
	require.NoError(t, d.Shutdown())
	require.NoError(t, d.Shutdown())

	_, err := os.Stat(SocketPath(dir))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(LockPath(dir))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_InboxSubmitsAndRejects(t *testing.T) {
	dir := shortDir(t)
	startDaemon(t, dir, testConfig())
	p := dial(t, dir, testQueue)
	inboxDir := filepath.Join(dir, "inbox")

	job := model.NewJob("from-inbox", model.JobSpec{DurationMs: 10})
	require.NoError(t, yamlutil.AtomicWrite(filepath.Join(inboxDir, "scan.yaml"), NewInboxJob("", job)))
	require.NoError(t, os.WriteFile(filepath.Join(inboxDir, "broken.yaml"), []byte("name: [unterminated"), 0644))

	require.Eventually(t, func() bool {
		processed, _ := filepath.Glob(filepath.Join(inboxDir, processedDir, "*-scan.yaml"))
		rejected, _ := filepath.Glob(filepath.Join(inboxDir, rejectedDir, "broken.yaml.*"))
		return len(processed) == 1 && len(rejected) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		jobs, err := p.RunningAndCompleted(context.Background())
		require.NoError(t, err)
		return len(jobs) == 1 && jobs[0].Name == "from-inbox" && jobs[0].Status == model.JobStatusComplete
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_InboxPicksUpExistingFiles(t *testing.T) {
	dir := shortDir(t)
	cfg := testConfig()
	cfg.Consumer.Autostart = false
	inboxDir := filepath.Join(dir, "inbox")
	job := model.NewJob("early", model.JobSpec{})
	require.NoError(t, yamlutil.AtomicWrite(filepath.Join(inboxDir, "early.yaml"), NewInboxJob(testQueue, job)))

	startDaemon(t, dir, cfg)
	p := dial(t, dir, testQueue)

	require.Eventually(t, func() bool {
		pending, err := p.Submission(context.Background())
		require.NoError(t, err)
		return len(pending) == 1 && pending[0].Name == "early"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_JournalRecordsTransitions(t *testing.T) {
	dir := shortDir(t)
	d := startDaemon(t, dir, testConfig())
	p := dial(t, dir, testQueue)

	job := model.NewJob("scan", model.JobSpec{})
	_, err := p.Send(context.Background(), command.SubmitJob{Job: job})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return jobStatus(t, p, job.ID) == model.JobStatusComplete
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, d.Shutdown())

	total, valid, err := audit.Verify(filepath.Join(dir, "logs", JournalName))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 2)
	assert.Equal(t, total, valid)
}

func TestDaemon_PendingJobsSurviveRestart(t *testing.T) {
	dir := shortDir(t)
	cfg := testConfig()
	cfg.Store.Driver = "yaml"
	cfg.Consumer.Autostart = false
	cfg.Inbox.Enabled = false

	d := newDaemon(dir, cfg, io.Discard, nil)
	require.NoError(t, d.Start())
	p, err := proxy.Dial(context.Background(), SocketPath(dir), testQueue)
	require.NoError(t, err)
	job := model.NewJob("kept", model.JobSpec{})
	_, err = p.Send(context.Background(), command.SubmitJob{Job: job})
	require.NoError(t, err)
	p.Close()
	require.NoError(t, d.Shutdown())

	startDaemon(t, dir, cfg)
	p2 := dial(t, dir, testQueue)
	pending, err := p2.Submission(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].ID)
}

func TestParseInboxJob(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", "schema_version: 1\nfile_type: inbox_job\nname: scan\nspec:\n  command: [echo, hi]\n", false},
		{"missing name", "schema_version: 1\nfile_type: inbox_job\n", true},
		{"wrong type", "schema_version: 1\nfile_type: queue_jobs\nname: scan\n", true},
		{"no header", "name: scan\n", true},
		{"not yaml", "::::", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseInboxJob([]byte(tt.content))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "scan", doc.Name)
			assert.Equal(t, []string{"echo", "hi"}, doc.Spec.Command)
		})
	}
}
