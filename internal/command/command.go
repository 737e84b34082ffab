// Package command defines the routed command envelope exchanged between
// clients and queue consumers, and the typed commands decoded from it.
package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opengda/beamq/internal/model"
)

// Kind names a command on the wire.
type Kind string

const (
	KindPauseQueue             Kind = "PAUSE_QUEUE"
	KindResumeQueue            Kind = "RESUME_QUEUE"
	KindStopQueue              Kind = "STOP_QUEUE"
	KindRestartQueue           Kind = "RESTART_QUEUE"
	KindClearQueue             Kind = "CLEAR_QUEUE"
	KindClearCompleted         Kind = "CLEAR_COMPLETED"
	KindSubmitJob              Kind = "SUBMIT_JOB"
	KindPauseJob               Kind = "PAUSE_JOB"
	KindResumeJob              Kind = "RESUME_JOB"
	KindTerminateJob           Kind = "TERMINATE_JOB"
	KindMoveForward            Kind = "MOVE_FORWARD"
	KindMoveBackward           Kind = "MOVE_BACKWARD"
	KindRemoveFromQueue        Kind = "REMOVE_FROM_QUEUE"
	KindRemoveCompleted        Kind = "REMOVE_COMPLETED"
	KindGetQueue               Kind = "GET_QUEUE"
	KindGetRunningAndCompleted Kind = "GET_RUNNING_AND_COMPLETED"
	KindGetInfo                Kind = "GET_INFO"
)

var ErrInvalid = errors.New("invalid command")

// Envelope is the wire form of a command and of its acknowledgement.
// Exactly one of ConsumerID and QueueName addresses the target consumer.
type Envelope struct {
	ID           string          `json:"id"`
	ConsumerID   string          `json:"consumer_id,omitempty"`
	QueueName    string          `json:"queue_name,omitempty"`
	Kind         Kind            `json:"kind"`
	Job          *model.Job      `json:"job,omitempty"`
	JobID        string          `json:"job_id,omitempty"`
	Message      string          `json:"message,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: envelope id is required", ErrInvalid)
	}
	if (e.ConsumerID == "") == (e.QueueName == "") {
		return fmt.Errorf("%w: exactly one of consumer_id and queue_name must be set", ErrInvalid)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalid)
	}
	return nil
}

// Failed reports whether a reply envelope carries an error.
func (e Envelope) Failed() bool {
	return e.ErrorMessage != ""
}

// DecodeResult unmarshals the reply payload into v.
func (e Envelope) DecodeResult(v any) error {
	if e.Failed() {
		return errors.New(e.ErrorMessage)
	}
	if len(e.Result) == 0 {
		return fmt.Errorf("%s reply carries no result", e.Kind)
	}
	if err := json.Unmarshal(e.Result, v); err != nil {
		return fmt.Errorf("decode %s result: %w", e.Kind, err)
	}
	return nil
}

// Target addresses a consumer either by its ID or by the queue it serves.
type Target struct {
	ConsumerID string
	QueueName  string
}

func ForConsumer(id string) Target { return Target{ConsumerID: id} }
func ForQueue(name string) Target  { return Target{QueueName: name} }
func (t Target) Matches(consumerID, queueName string) bool {
	if t.ConsumerID != "" {
		return t.ConsumerID == consumerID
	}
	return t.QueueName != "" && t.QueueName == queueName
}

func (e Envelope) Target() Target {
	return Target{ConsumerID: e.ConsumerID, QueueName: e.QueueName}
}

// Command is one of the typed variants below.
type Command interface {
	Kind() Kind
}

type (
	PauseQueue             struct{}
	ResumeQueue            struct{}
	StopQueue              struct{}
	RestartQueue           struct{}
	ClearQueue             struct{}
	ClearCompleted         struct{}
	GetQueue               struct{}
	GetRunningAndCompleted struct{}
	GetInfo                struct{}

	SubmitJob struct{ Job model.Job }

	PauseJob        struct{ JobID string }
	ResumeJob       struct{ JobID string }
	TerminateJob    struct{ JobID string }
	MoveForward     struct{ JobID string }
	MoveBackward    struct{ JobID string }
	RemoveFromQueue struct{ JobID string }
	RemoveCompleted struct{ JobID string }
)

func (PauseQueue) Kind() Kind             { return KindPauseQueue }
func (ResumeQueue) Kind() Kind            { return KindResumeQueue }
func (StopQueue) Kind() Kind              { return KindStopQueue }
func (RestartQueue) Kind() Kind           { return KindRestartQueue }
func (ClearQueue) Kind() Kind             { return KindClearQueue }
func (ClearCompleted) Kind() Kind         { return KindClearCompleted }
func (GetQueue) Kind() Kind               { return KindGetQueue }
func (GetRunningAndCompleted) Kind() Kind { return KindGetRunningAndCompleted }
func (GetInfo) Kind() Kind                { return KindGetInfo }
func (SubmitJob) Kind() Kind              { return KindSubmitJob }
func (PauseJob) Kind() Kind               { return KindPauseJob }
func (ResumeJob) Kind() Kind              { return KindResumeJob }
func (TerminateJob) Kind() Kind           { return KindTerminateJob }
func (MoveForward) Kind() Kind            { return KindMoveForward }
func (MoveBackward) Kind() Kind           { return KindMoveBackward }
func (RemoveFromQueue) Kind() Kind        { return KindRemoveFromQueue }
func (RemoveCompleted) Kind() Kind        { return KindRemoveCompleted }

// Decode converts a validated envelope into its typed command.
func Decode(e Envelope) (Command, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	jobID := func() (string, error) {
		id := e.JobID
		if id == "" && e.Job != nil {
			id = e.Job.ID
		}
		if id == "" {
			return "", fmt.Errorf("%w: %s requires a job id", ErrInvalid, e.Kind)
		}
		return id, nil
	}

	switch e.Kind {
	case KindPauseQueue:
		return PauseQueue{}, nil
	case KindResumeQueue:
		return ResumeQueue{}, nil
	case KindStopQueue:
		return StopQueue{}, nil
	case KindRestartQueue:
		return RestartQueue{}, nil
	case KindClearQueue:
		return ClearQueue{}, nil
	case KindClearCompleted:
		return ClearCompleted{}, nil
	case KindGetQueue:
		return GetQueue{}, nil
	case KindGetRunningAndCompleted:
		return GetRunningAndCompleted{}, nil
	case KindGetInfo:
		return GetInfo{}, nil
	case KindSubmitJob:
		if e.Job == nil {
			return nil, fmt.Errorf("%w: %s requires a job", ErrInvalid, e.Kind)
		}
		if !model.ValidateID(e.Job.ID) {
			return nil, fmt.Errorf("%w: job id %q is not a UUID", ErrInvalid, e.Job.ID)
		}
		return SubmitJob{Job: e.Job.Clone()}, nil
	}

	id, err := jobID()
	if err != nil {
		return nil, err
	}
	switch e.Kind {
	case KindPauseJob:
		return PauseJob{JobID: id}, nil
	case KindResumeJob:
		return ResumeJob{JobID: id}, nil
	case KindTerminateJob:
		return TerminateJob{JobID: id}, nil
	case KindMoveForward:
		return MoveForward{JobID: id}, nil
	case KindMoveBackward:
		return MoveBackward{JobID: id}, nil
	case KindRemoveFromQueue:
		return RemoveFromQueue{JobID: id}, nil
	case KindRemoveCompleted:
		return RemoveCompleted{JobID: id}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, e.Kind)
}

// Encode builds a new envelope carrying cmd for target.
func Encode(target Target, cmd Command, message string) Envelope {
	e := Envelope{
		ID:         model.NewID(),
		ConsumerID: target.ConsumerID,
		QueueName:  target.QueueName,
		Kind:       cmd.Kind(),
		Message:    message,
	}
	switch c := cmd.(type) {
	case SubmitJob:
		job := c.Job.Clone()
		e.Job = &job
		e.JobID = job.ID
	case PauseJob:
		e.JobID = c.JobID
	case ResumeJob:
		e.JobID = c.JobID
	case TerminateJob:
		e.JobID = c.JobID
	case MoveForward:
		e.JobID = c.JobID
	case MoveBackward:
		e.JobID = c.JobID
	case RemoveFromQueue:
		e.JobID = c.JobID
	case RemoveCompleted:
		e.JobID = c.JobID
	}
	return e
}

// Reply returns the acknowledgement for e: ErrorMessage is set from err,
// otherwise result (if any) is marshalled into Result.
func Reply(e Envelope, result any, err error) Envelope {
	r := e
	r.ErrorMessage = ""
	r.Result = nil
	if err != nil {
		r.ErrorMessage = err.Error()
		return r
	}
	if result == nil {
		return r
	}
	data, mErr := json.Marshal(result)
	if mErr != nil {
		r.ErrorMessage = fmt.Sprintf("encode %s result: %v", e.Kind, mErr)
		return r
	}
	r.Result = data
	return r
}
