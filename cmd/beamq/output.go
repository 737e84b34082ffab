package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/opengda/beamq/internal/model"
	"github.com/opengda/beamq/internal/monitor"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobTable(w io.Writer, jobs []model.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}
	fmt.Fprintf(w, "%-36s  %-20s  %-17s  %7s  %s\n", "ID", "NAME", "STATUS", "PERCENT", "SUBMITTED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%-36s  %-20s  %-17s  %6.1f%%  %s\n",
			j.ID, truncate(j.Name, 20), j.Status, j.Percent, j.SubmissionTime.Local().Format(time.DateTime))
	}
}

func printSnapshot(w io.Writer, s model.ConsumerStatusSnapshot) {
	fmt.Fprintf(w, "consumer  %s\n", s.ConsumerName)
	fmt.Fprintf(w, "id        %s\n", s.ConsumerID)
	fmt.Fprintf(w, "queue     %s\n", s.QueueName)
	fmt.Fprintf(w, "status    %s\n", s.Status)
	if s.Beamline != "" {
		fmt.Fprintf(w, "beamline  %s\n", s.Beamline)
	}
	if s.HostName != "" {
		fmt.Fprintf(w, "host      %s\n", s.HostName)
	}
	if !s.StartTime.IsZero() {
		fmt.Fprintf(w, "started   %s\n", s.StartTime.Local().Format(time.DateTime))
	}
}

func printEvent(w io.Writer, ev monitor.Event) {
	ts := time.Now().Format(time.TimeOnly)
	switch {
	case ev.Consumer != nil:
		fmt.Fprintf(w, "%s  consumer  %-20s  %s\n", ts, ev.Consumer.QueueName, ev.Consumer.Status)
	case ev.Job != nil:
		j := ev.Job.Job
		fmt.Fprintf(w, "%s  job       %-8s  %-20s  %-17s  %5.1f%%  %s\n",
			ts, shortID(j.ID), truncate(j.Name, 20), j.Status, j.Percent, j.Message)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
