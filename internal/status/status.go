// Package status reports on a beamq directory: whether its daemon is up and
// what its queue holds.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opengda/beamq/internal/daemon"
	"github.com/opengda/beamq/internal/lock"
	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
	"github.com/opengda/beamq/internal/proxy"
	"github.com/opengda/beamq/internal/store"
)

type Report struct {
	Daemon   DaemonStatus                  `json:"daemon"`
	Queue    string                        `json:"queue"`
	Consumer *model.ConsumerStatusSnapshot `json:"consumer,omitempty"`
	Counts   map[model.JobStatus]int       `json:"counts"`
	Pending  int                           `json:"pending"`
	Started  int                           `json:"started"`
	Source   string                        `json:"source"` // "daemon" or "store"
}

type DaemonStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

// Run collects the report for the daemon in dir and writes it to w.
func Run(ctx context.Context, dir string, cfg model.Config, jsonOutput bool, w io.Writer) error {
	report, err := Collect(ctx, dir, cfg)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	Print(w, report)
	return nil
}

// Collect asks the daemon when it answers and otherwise reads the queue's
// persisted lists directly.
func Collect(ctx context.Context, dir string, cfg model.Config) (Report, error) {
	report := Report{Queue: cfg.Consumer.QueueName, Counts: map[model.JobStatus]int{}}
	if pid, err := lock.HolderPID(daemon.LockPath(dir)); err == nil {
		report.Daemon.PID = pid
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if p, err := proxy.Dial(ctx, daemon.SocketPath(dir), cfg.Consumer.QueueName); err == nil {
		defer p.Close()
		report.Daemon.Running = true
		report.Source = "daemon"
		snap, err := p.Info(ctx)
		if err != nil {
			return report, err
		}
		report.Consumer = &snap
		pending, err := p.Submission(ctx)
		if err != nil {
			return report, err
		}
		started, err := p.RunningAndCompleted(ctx)
		if err != nil {
			return report, err
		}
		report.count(pending, started)
		return report, nil
	}

	report.Daemon.PID = 0
	report.Source = "store"
	if cfg.Store.Driver == "memory" {
		return report, nil
	}
	st, err := store.Open(cfg.Store, dir, logging.New(os.Stderr, logging.LevelWarn, "status"))
	if err != nil {
		return report, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	pending, err := st.Load(cfg.Consumer.QueueName, store.ListPending)
	if err != nil {
		return report, err
	}
	started, err := st.Load(cfg.Consumer.QueueName, store.ListStarted)
	if err != nil {
		return report, err
	}
	report.count(pending, started)
	return report, nil
}

func (r *Report) count(pending, started []model.Job) {
	r.Pending = len(pending)
	r.Started = len(started)
	for _, j := range pending {
		r.Counts[j.Status]++
	}
	for _, j := range started {
		r.Counts[j.Status]++
	}
}

func Print(w io.Writer, r Report) {
	if r.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running")
		if r.Daemon.PID > 0 {
			fmt.Fprintf(w, " (pid %d)", r.Daemon.PID)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}

	fmt.Fprintf(w, "\nQueue: %s\n", r.Queue)
	if c := r.Consumer; c != nil {
		fmt.Fprintf(w, "  consumer  %s (%s)\n", c.ConsumerName, c.ConsumerID)
		fmt.Fprintf(w, "  status    %s\n", c.Status)
		if c.Beamline != "" {
			fmt.Fprintf(w, "  beamline  %s\n", c.Beamline)
		}
		if !c.StartTime.IsZero() {
			fmt.Fprintf(w, "  started   %s\n", c.StartTime.Format(time.RFC3339))
		}
	}
	fmt.Fprintf(w, "  pending   %d\n", r.Pending)
	fmt.Fprintf(w, "  started   %d\n", r.Started)

	if len(r.Counts) > 0 {
		fmt.Fprintln(w, "\nJobs:")
		fmt.Fprintf(w, "  %-18s  %5s\n", "STATUS", "COUNT")
		for _, s := range model.AllJobStatuses() {
			if n := r.Counts[s]; n > 0 {
				fmt.Fprintf(w, "  %-18s  %5d\n", s, n)
			}
		}
	}
}
