package model

import "testing"

func TestJobStatus_IsFinal(t *testing.T) {
	tests := []struct {
		status JobStatus
		final  bool
	}{
		{JobStatusNone, false},
		{JobStatusSubmitted, false},
		{JobStatusQueued, false},
		{JobStatusRunning, false},
		{JobStatusPaused, false},
		{JobStatusRequestPause, false},
		{JobStatusRequestResume, false},
		{JobStatusRequestTerminate, false},
		{JobStatusComplete, true},
		{JobStatusFailed, true},
		{JobStatusTerminated, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsFinal(); got != tt.final {
				t.Errorf("%q.IsFinal() = %v, want %v", tt.status, got, tt.final)
			}
		})
	}
}

func TestJobStatus_IsStarted(t *testing.T) {
	for _, s := range []JobStatus{JobStatusNone, JobStatusSubmitted, JobStatusQueued} {
		if s.IsStarted() {
			t.Errorf("%q should not be started", s)
		}
	}
	for _, s := range []JobStatus{JobStatusRunning, JobStatusPaused, JobStatusComplete, JobStatusRequestTerminate} {
		if !s.IsStarted() {
			t.Errorf("%q should be started", s)
		}
	}
}

func TestValidateJobTransition(t *testing.T) {
	valid := []struct{ from, to JobStatus }{
		{JobStatusSubmitted, JobStatusRunning},
		{JobStatusSubmitted, JobStatusRequestTerminate},
		{JobStatusRunning, JobStatusPaused},
		{JobStatusPaused, JobStatusRunning},
		{JobStatusRunning, JobStatusComplete},
		{JobStatusRequestTerminate, JobStatusTerminated},
		{JobStatusRunning, JobStatusRunning},
	}
	for _, tt := range valid {
		if err := ValidateJobTransition(tt.from, tt.to); err != nil {
			t.Errorf("%s → %s: unexpected error %v", tt.from, tt.to, err)
		}
	}

	invalid := []struct{ from, to JobStatus }{
		{JobStatusComplete, JobStatusRunning},
		{JobStatusTerminated, JobStatusFailed},
		{JobStatusSubmitted, JobStatusComplete},
		{JobStatusPaused, JobStatusComplete},
		{JobStatus("BOGUS"), JobStatusRunning},
	}
	for _, tt := range invalid {
		if err := ValidateJobTransition(tt.from, tt.to); err == nil {
			t.Errorf("%s → %s: expected error", tt.from, tt.to)
		}
	}
}

func TestConsumerStatus_Valid(t *testing.T) {
	for _, s := range []ConsumerStatus{ConsumerStatusRunning, ConsumerStatusPaused, ConsumerStatusStopped} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if ConsumerStatus("IDLE").Valid() {
		t.Error("IDLE should not be valid")
	}
}

func TestAllJobStatuses(t *testing.T) {
	all := AllJobStatuses()
	if len(all) != 11 {
		t.Fatalf("got %d statuses, want 11", len(all))
	}
	for _, s := range all {
		if !s.Valid() {
			t.Errorf("%s is not valid", s)
		}
	}
}
