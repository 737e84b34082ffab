// Package audit keeps an append-only JSONL journal of job status changes.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opengda/beamq/internal/bus"
	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
)

const (
	DefaultMaxSize = 100 * 1024 * 1024
	FileExtension  = ".jsonl"
	ArchiveDir     = "archive"
)

// Entry is one line of the journal.
type Entry struct {
	Timestamp      time.Time       `json:"timestamp"`
	Queue          string          `json:"queue"`
	JobID          string          `json:"job_id"`
	JobName        string          `json:"job_name,omitempty"`
	Status         model.JobStatus `json:"status"`
	PreviousStatus model.JobStatus `json:"previous_status,omitempty"`
	Percent        float64         `json:"percent"`
	Message        string          `json:"message,omitempty"`
	Checksum       string          `json:"checksum,omitempty"`
}

// EntryFor builds the journal line for a job update.
func EntryFor(upd model.JobUpdate) Entry {
	return Entry{
		Timestamp:      time.Now().UTC(),
		Queue:          upd.Queue,
		JobID:          upd.Job.ID,
		JobName:        upd.Job.Name,
		Status:         upd.Job.Status,
		PreviousStatus: upd.Job.PreviousStatus,
		Percent:        upd.Job.Percent,
		Message:        upd.Job.Message,
	}
}

// Journal appends entries to a file and archives it once it exceeds maxSize.
type Journal struct {
	mu        sync.Mutex
	file      *os.File
	size      int64
	maxSize   int64
	path      string
	rotations int
	logger    *logging.Logger

	// lastStatus suppresses progress-only updates so the journal records
	// transitions rather than every percent tick.
	lastStatus map[string]model.JobStatus
}

func Open(path string, maxSize int64, logger *logging.Logger) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &Journal{
		path:       path,
		maxSize:    maxSize,
		logger:     logger.With("audit"),
		lastStatus: make(map[string]model.JobStatus),
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.size = st.Size()
	return nil
}

func (j *Journal) Path() string { return j.path }

// Attach records every job status change published on b until the returned
// function is called.
func (j *Journal) Attach(b *bus.Bus) func() {
	return b.Subscribe(bus.TopicJobStatus, func(msg any) {
		upd, ok := msg.(model.JobUpdate)
		if !ok {
			return
		}
		if err := j.Record(upd); err != nil {
			j.logger.Errorf("record %s: %v", upd.Job.ID, err)
		}
	})
}

// Record writes upd if its status differs from the last one journaled for
// the same job.
func (j *Journal) Record(upd model.JobUpdate) error {
	j.mu.Lock()
	if j.lastStatus[upd.Job.ID] == upd.Job.Status {
		j.mu.Unlock()
		return nil
	}
	j.lastStatus[upd.Job.ID] = upd.Job.Status
	if upd.Job.Status.IsFinal() {
		delete(j.lastStatus, upd.Job.ID)
	}
	j.mu.Unlock()

	e := EntryFor(upd)
	return j.Write(&e)
}

// Write appends e, stamping its checksum.
func (j *Journal) Write(e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return os.ErrClosed
	}

	e.Checksum = ""
	e.Checksum = checksum(*e)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	if j.size+int64(len(data)) > j.maxSize && j.size > 0 {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	j.size += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	dir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	j.rotations++
	base := strings.TrimSuffix(filepath.Base(j.path), FileExtension)
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), j.rotations, FileExtension)
	if err := os.Rename(j.path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.open()
}

func checksum(e Entry) string {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Verify reads a journal file and counts its entries and those whose
// checksum matches. Malformed lines count as entries but not as valid.
func Verify(path string) (total, valid int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		total++
		var e Entry
		if json.Unmarshal(line, &e) != nil {
			continue
		}
		if e.Checksum == "" || e.Checksum == checksum(e) {
			valid++
		}
	}
	return total, valid, sc.Err()
}

// Close flushes and closes the file. Further writes fail with os.ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	f := j.file
	j.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
