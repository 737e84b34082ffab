package model

import "fmt"

// JobStatus is the execution status carried by a job.
type JobStatus string

const (
	JobStatusNone             JobStatus = "NONE"
	JobStatusSubmitted        JobStatus = "SUBMITTED"
	JobStatusQueued           JobStatus = "QUEUED"
	JobStatusRunning          JobStatus = "RUNNING"
	JobStatusPaused           JobStatus = "PAUSED"
	JobStatusRequestPause     JobStatus = "REQUEST_PAUSE"
	JobStatusRequestResume    JobStatus = "REQUEST_RESUME"
	JobStatusRequestTerminate JobStatus = "REQUEST_TERMINATE"
	JobStatusComplete         JobStatus = "COMPLETE"
	JobStatusFailed           JobStatus = "FAILED"
	JobStatusTerminated       JobStatus = "TERMINATED"
)

// AllJobStatuses lists every job status in lifecycle order.
func AllJobStatuses() []JobStatus {
	return []JobStatus{
		JobStatusNone, JobStatusSubmitted, JobStatusQueued, JobStatusRunning,
		JobStatusPaused, JobStatusRequestPause, JobStatusRequestResume,
		JobStatusRequestTerminate, JobStatusComplete, JobStatusFailed, JobStatusTerminated,
	}
}

// ConsumerStatus is the run state of a queue consumer.
type ConsumerStatus string

const (
	ConsumerStatusRunning ConsumerStatus = "RUNNING"
	ConsumerStatusPaused  ConsumerStatus = "PAUSED"
	ConsumerStatusStopped ConsumerStatus = "STOPPED"
)

var finalJobStatuses = map[JobStatus]bool{
	JobStatusComplete:   true,
	JobStatusFailed:     true,
	JobStatusTerminated: true,
}

var requestJobStatuses = map[JobStatus]bool{
	JobStatusRequestPause:     true,
	JobStatusRequestResume:    true,
	JobStatusRequestTerminate: true,
}

// Pending side: submitted/queued jobs may be started, aborted or re-requested.
// Running side: running and paused jobs move between each other via requests
// and end in a final status.
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusNone: {
		JobStatusSubmitted: true,
		JobStatusQueued:    true,
	},
	JobStatusSubmitted: {
		JobStatusQueued:           true,
		JobStatusRunning:          true,
		JobStatusRequestTerminate: true,
		JobStatusTerminated:       true,
		JobStatusFailed:           true,
	},
	JobStatusQueued: {
		JobStatusRunning:          true,
		JobStatusRequestTerminate: true,
		JobStatusTerminated:       true,
		JobStatusFailed:           true,
	},
	JobStatusRunning: {
		JobStatusRequestPause:     true,
		JobStatusPaused:           true,
		JobStatusRequestTerminate: true,
		JobStatusComplete:         true,
		JobStatusFailed:           true,
		JobStatusTerminated:       true,
	},
	JobStatusRequestPause: {
		JobStatusPaused:           true,
		JobStatusRunning:          true,
		JobStatusRequestTerminate: true,
		JobStatusComplete:         true,
		JobStatusFailed:           true,
		JobStatusTerminated:       true,
	},
	JobStatusPaused: {
		JobStatusRequestResume:    true,
		JobStatusRunning:          true,
		JobStatusRequestTerminate: true,
		JobStatusFailed:           true,
		JobStatusTerminated:       true,
	},
	JobStatusRequestResume: {
		JobStatusRunning:          true,
		JobStatusRequestTerminate: true,
		JobStatusComplete:         true,
		JobStatusFailed:           true,
		JobStatusTerminated:       true,
	},
	JobStatusRequestTerminate: {
		JobStatusTerminated: true,
		JobStatusFailed:     true,
		JobStatusComplete:   true,
	},
}

// IsFinal reports whether no further execution-state transition can occur.
func (s JobStatus) IsFinal() bool {
	return finalJobStatuses[s]
}

func (s JobStatus) IsRequest() bool {
	return requestJobStatuses[s]
}

// IsRunning is true while a job occupies the consumer's worker.
func (s JobStatus) IsRunning() bool {
	switch s {
	case JobStatusRunning, JobStatusRequestPause, JobStatusRequestResume:
		return true
	}
	return false
}

// IsStarted is true once the worker has picked the job up.
func (s JobStatus) IsStarted() bool {
	switch s {
	case JobStatusNone, JobStatusSubmitted, JobStatusQueued:
		return false
	}
	return true
}

func (s JobStatus) Valid() bool {
	if s == JobStatusNone {
		return true
	}
	_, ok := validJobTransitions[s]
	return ok || finalJobStatuses[s]
}

func ValidateJobTransition(from, to JobStatus) error {
	if from == to {
		return nil
	}
	if from.IsFinal() {
		return fmt.Errorf("cannot transition from final job status %q", from)
	}
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("unknown job status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid job transition: %q → %q", from, to)
	}
	return nil
}

func (s ConsumerStatus) Valid() bool {
	switch s {
	case ConsumerStatusRunning, ConsumerStatusPaused, ConsumerStatusStopped:
		return true
	}
	return false
}
