package monitor

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengda/beamq/internal/bus"
	"github.com/opengda/beamq/internal/model"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub(nil)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + Path
}

var errEnough = errors.New("enough")

func TestHub_StreamsBusEvents(t *testing.T) {
	h, url := startHub(t)
	b := bus.New(16, nil)
	defer b.Close()
	unsub := h.Attach(b)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, url, func(ev Event) error {
			events <- ev
			if ev.Type == EventJob {
				return errEnough
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	b.Publish(bus.TopicConsumerStatus, model.ConsumerStatusSnapshot{ConsumerID: "c1", QueueName: "q", Status: model.ConsumerStatusRunning})
	time.Sleep(50 * time.Millisecond)
	job := model.NewJob("scan", model.JobSpec{}).WithStatus(model.JobStatusRunning)
	b.Publish(bus.TopicJobStatus, model.JobUpdate{Queue: "q", Job: job})

	assert.ErrorIs(t, <-done, errEnough)
	first := <-events
	require.Equal(t, EventConsumer, first.Type)
	assert.Equal(t, model.ConsumerStatusRunning, first.Consumer.Status)
	second := <-events
	require.Equal(t, EventJob, second.Type)
	assert.Equal(t, job.ID, second.Job.Job.ID)
}

func TestHub_NewClientGetsLatestSnapshots(t *testing.T) {
	h, url := startHub(t)
	h.Broadcast(Event{Type: EventConsumer, Consumer: &model.ConsumerStatusSnapshot{ConsumerID: "c1", Status: model.ConsumerStatusRunning}})
	h.Broadcast(Event{Type: EventConsumer, Consumer: &model.ConsumerStatusSnapshot{ConsumerID: "c1", Status: model.ConsumerStatusPaused}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got Event
	err := Watch(ctx, url, func(ev Event) error {
		got = ev
		return errEnough
	})
	assert.ErrorIs(t, err, errEnough)
	require.NotNil(t, got.Consumer)
	assert.Equal(t, model.ConsumerStatusPaused, got.Consumer.Status)
}

func TestWatch_EndsWhenHubCloses(t *testing.T) {
	h, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, url, func(Event) error { return nil })
	}()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	h.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watch did not return after hub closed")
	}
}

func TestWatch_ContextCancel(t *testing.T) {
	h, url := startHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, url, func(Event) error { return nil })
	}()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatch_DialFailure(t *testing.T) {
	err := Watch(context.Background(), "ws://127.0.0.1:1/ws/status", func(Event) error { return nil })
	assert.Error(t, err)
}
