package model

import "testing"

func TestNewJob(t *testing.T) {
	j := NewJob("scan", JobSpec{DurationMs: 10})
	if !ValidateID(j.ID) {
		t.Errorf("job ID %q is not a UUID", j.ID)
	}
	if j.Status != JobStatusSubmitted {
		t.Errorf("status = %q, want %q", j.Status, JobStatusSubmitted)
	}
	if j.SubmissionTime.IsZero() {
		t.Error("submission time not set")
	}
	if j.UniqueID() != j.ID {
		t.Error("UniqueID must be the job ID")
	}
}

func TestJob_WithStatus(t *testing.T) {
	j := NewJob("scan", JobSpec{})
	r := j.WithStatus(JobStatusRunning)
	if r.Status != JobStatusRunning || r.PreviousStatus != JobStatusSubmitted {
		t.Errorf("got %q/%q", r.Status, r.PreviousStatus)
	}
	if j.Status != JobStatusSubmitted {
		t.Error("WithStatus must not modify the receiver")
	}
}

func TestJob_CloneDoesNotShareMaps(t *testing.T) {
	j := NewJob("scan", JobSpec{Params: map[string]string{"a": "1"}, Command: []string{"true"}})
	c := j.Clone()
	c.Spec.Params["a"] = "2"
	c.Spec.Command[0] = "false"
	if j.Spec.Params["a"] != "1" || j.Spec.Command[0] != "true" {
		t.Error("clone shares spec storage with the original")
	}
}
