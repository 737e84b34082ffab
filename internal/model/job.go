// Package model defines beamq's configuration, job and consumer status types.
package model

import (
	"maps"
	"slices"
	"time"
)

// Identified is implemented by anything stored in an identity-keyed queue.
// Two values with the same UniqueID are the same queue entry, whatever their payload.
type Identified interface {
	UniqueID() string
}

// Reporter receives progress from a running job.
type Reporter func(percent float64, message string)

// JobSpec is the opaque, runner-specific payload of a job.
type JobSpec struct {
	Command    []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir        string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	DurationMs int64             `yaml:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	Params     map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Job is the unit stored in a consumer's queues.
type Job struct {
	ID             string    `yaml:"id" json:"id"`
	Name           string    `yaml:"name" json:"name"`
	Status         JobStatus `yaml:"status" json:"status"`
	PreviousStatus JobStatus `yaml:"previous_status,omitempty" json:"previous_status,omitempty"`
	Message        string    `yaml:"message,omitempty" json:"message,omitempty"`
	Percent        float64   `yaml:"percent" json:"percent"`
	User           string    `yaml:"user,omitempty" json:"user,omitempty"`
	Host           string    `yaml:"host,omitempty" json:"host,omitempty"`
	SubmissionTime time.Time `yaml:"submission_time" json:"submission_time"`
	StartTime      time.Time `yaml:"start_time,omitempty" json:"start_time,omitempty"`
	EndTime        time.Time `yaml:"end_time,omitempty" json:"end_time,omitempty"`
	Spec           JobSpec   `yaml:"spec" json:"spec"`
}

// NewJob returns a submitted job with a fresh identifier.
func NewJob(name string, spec JobSpec) Job {
	return Job{
		ID:             NewID(),
		Name:           name,
		Status:         JobStatusSubmitted,
		SubmissionTime: time.Now().UTC(),
		Spec:           spec,
	}
}

func (j Job) UniqueID() string {
	return j.ID
}

// WithStatus returns a copy with the status changed and the previous one recorded.
func (j Job) WithStatus(s JobStatus) Job {
	if j.Status != s {
		j.PreviousStatus = j.Status
		j.Status = s
	}
	return j
}

// Clone returns a deep copy so the spec maps are not shared between copies.
func (j Job) Clone() Job {
	j.Spec.Command = slices.Clone(j.Spec.Command)
	j.Spec.Env = maps.Clone(j.Spec.Env)
	j.Spec.Params = maps.Clone(j.Spec.Params)
	return j
}

// ConsumerStatusSnapshot is an immutable report of a consumer's health.
// It holds no reference back to the consumer that produced it.
type ConsumerStatusSnapshot struct {
	ConsumerID   string         `yaml:"consumer_id" json:"consumer_id"`
	ConsumerName string         `yaml:"consumer_name" json:"consumer_name"`
	QueueName    string         `yaml:"queue_name" json:"queue_name"`
	Beamline     string         `yaml:"beamline,omitempty" json:"beamline,omitempty"`
	HostName     string         `yaml:"host_name,omitempty" json:"host_name,omitempty"`
	Status       ConsumerStatus `yaml:"status" json:"status"`
	StartTime    time.Time      `yaml:"start_time" json:"start_time"`
	PublishTime  time.Time      `yaml:"publish_time" json:"publish_time"`
}

// JobUpdate is published on the job status topic whenever a job changes.
// Source identifies the publishing consumer so it can ignore its own echoes.
type JobUpdate struct {
	Source string `json:"source"`
	Queue  string `json:"queue"`
	Job    Job    `json:"job"`
}
