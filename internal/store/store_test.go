package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
)

func sampleJobs() []model.Job {
	a := model.NewJob("scan a", model.JobSpec{Command: []string{"true"}, Params: map[string]string{"x": "1"}})
	b := model.NewJob("scan b", model.JobSpec{DurationMs: 500}).WithStatus(model.JobStatusRunning)
	return []model.Job{a, b}
}

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	sq, err := NewSQLite(filepath.Join(dir, "beamq.db"))
	require.NoError(t, err)
	stores := map[string]Store{
		"memory": NewMemory(),
		"yaml":   NewYAML(filepath.Join(dir, "state"), filepath.Join(dir, "quarantine"), logging.Discard()),
		"sqlite": sq,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStore_SaveLoadPreservesOrder(t *testing.T) {
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			jobs := sampleJobs()
			require.NoError(t, s.Save("i15.queue", ListPending, jobs))

			got, err := s.Load("i15.queue", ListPending)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, jobs[0].ID, got[0].ID)
			assert.Equal(t, jobs[1].ID, got[1].ID)
			assert.Equal(t, model.JobStatusRunning, got[1].Status)
			assert.Equal(t, "1", got[0].Spec.Params["x"])
			assert.True(t, jobs[0].SubmissionTime.Equal(got[0].SubmissionTime))
		})
	}
}

func TestStore_ListsAreIndependent(t *testing.T) {
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			jobs := sampleJobs()
			require.NoError(t, s.Save("q", ListPending, jobs[:1]))
			require.NoError(t, s.Save("q", ListStarted, jobs[1:]))
			require.NoError(t, s.Save("other", ListPending, nil))

			pending, err := s.Load("q", ListPending)
			require.NoError(t, err)
			started, err := s.Load("q", ListStarted)
			require.NoError(t, err)
			assert.Equal(t, jobs[0].ID, pending[0].ID)
			assert.Equal(t, jobs[1].ID, started[0].ID)
		})
	}
}

func TestStore_SaveReplaces(t *testing.T) {
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			jobs := sampleJobs()
			require.NoError(t, s.Save("q", ListPending, jobs))
			require.NoError(t, s.Save("q", ListPending, jobs[1:]))

			got, err := s.Load("q", ListPending)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, jobs[1].ID, got[0].ID)
		})
	}
}

func TestStore_LoadUnknownIsEmpty(t *testing.T) {
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Load("never", ListStarted)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestYAML_RecoversCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := NewYAML(filepath.Join(dir, "state"), filepath.Join(dir, "quarantine"), logging.Discard())

	jobs := sampleJobs()
	require.NoError(t, s.Save("q", ListPending, jobs[:1]))
	require.NoError(t, s.Save("q", ListPending, jobs))

	require.NoError(t, os.WriteFile(s.path("q", ListPending), []byte("jobs: [\n"), 0644))

	got, err := s.Load("q", ListPending)
	require.NoError(t, err)
	require.Len(t, got, 1, "expected the backup copy")
	assert.Equal(t, jobs[0].ID, got[0].ID)

	entries, err := os.ReadDir(filepath.Join(dir, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{"memory", "yaml", "sqlite"} {
		s, err := Open(model.StoreConfig{Driver: driver}, dir, logging.Discard())
		require.NoError(t, err, driver)
		require.NoError(t, s.Close())
	}
	_, err := Open(model.StoreConfig{Driver: "mvstore"}, dir, nil)
	assert.Error(t, err)
}
