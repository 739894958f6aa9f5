// Package conversion drives an external, asynchronous document conversion job:
// create a three-stage import → convert → export job, poll it on a fixed
// interval with a fixed attempt bound, then download the exported file.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// The polling contract: one status check every PollInterval, at most
// MaxAttempts checks, so a job is abandoned after two minutes.
const (
	PollInterval = 2 * time.Second
	MaxAttempts  = 60
)

var (
	// ErrFailed marks any conversion that did not produce a usable result.
	ErrFailed = errors.New("conversion failed")
	// ErrTimeout marks a job that never reached a terminal state.
	ErrTimeout = errors.New("conversion timed out")
)

// Phase names the orchestration step an Error came from.
type Phase string

const (
	PhaseCreate   Phase = "create"
	PhasePoll     Phase = "poll"
	PhaseJob      Phase = "job"
	PhaseExport   Phase = "export"
	PhaseDownload Phase = "download"
	PhaseValidate Phase = "validate"
)

// Error describes a failed conversion. errors.Is matches ErrFailed or
// ErrTimeout as well as the underlying cause.
type Error struct {
	Phase    Phase
	JobID    string
	Attempts int
	Task     string
	kind     error
	cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v during %s", e.kind, e.Phase)
	if e.JobID != "" {
		msg += " (job " + e.JobID + ")"
	}
	if e.Task != "" {
		msg += " in task " + e.Task
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// Timeout reports whether the job ran out of attempts.
func (e *Error) Timeout() bool { return errors.Is(e.kind, ErrTimeout) }

// API is the remote conversion service.
type API interface {
	CreateJob(ctx context.Context, req JobRequest) (Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// JobRequest describes what to convert.
type JobRequest struct {
	SourceURL    string
	Filename     string
	InputFormat  string
	OutputFormat string
	Tag          string
}

// Result is a successfully downloaded conversion output.
type Result struct {
	JobID    string
	Data     []byte
	Attempts int
}

// Orchestrator runs conversion jobs to completion. Wait and Validate are
// optional; tests replace Wait to avoid real sleeps.
type Orchestrator struct {
	API         API
	Interval    time.Duration
	MaxAttempts int
	Wait        func(ctx context.Context, d time.Duration) error
	Validate    func(data []byte) error
}

// New returns an Orchestrator using the standard polling contract.
func New(api API) *Orchestrator {
	return &Orchestrator{API: api, Interval: PollInterval, MaxAttempts: MaxAttempts}
}

// Convert creates the job, polls it and downloads the export. It returns an
// *Error wrapping ErrFailed or ErrTimeout when no result is produced.
func (o *Orchestrator) Convert(ctx context.Context, req JobRequest) (*Result, error) {
	job, err := o.API.CreateJob(ctx, req)
	if err != nil {
		return nil, &Error{Phase: PhaseCreate, kind: ErrFailed, cause: err}
	}
	log.Printf("conversion job %s created for %s", job.ID, req.Filename)

	interval, attempts := o.Interval, o.MaxAttempts
	if interval <= 0 {
		interval = PollInterval
	}
	if attempts <= 0 {
		attempts = MaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := o.wait(ctx, interval); err != nil {
			return nil, &Error{Phase: PhasePoll, JobID: job.ID, Attempts: attempt - 1, kind: ErrFailed, cause: err}
		}
		current, err := o.API.GetJob(ctx, job.ID)
		if err != nil {
			// A failed status check uses up an attempt but does not end the job.
			lastErr = err
			log.Printf("conversion job %s poll %d failed: %v", job.ID, attempt, err)
			continue
		}
		switch current.Status {
		case StatusFinished:
			return o.fetch(ctx, current, attempt)
		case StatusError:
			e := &Error{Phase: PhaseJob, JobID: job.ID, Attempts: attempt, kind: ErrFailed}
			if t, ok := current.FailedTask(); ok {
				e.Task = t.Name
				if t.Message != "" {
					e.cause = errors.New(t.Message)
				}
			}
			return nil, e
		}
	}
	return nil, &Error{Phase: PhasePoll, JobID: job.ID, Attempts: attempts, kind: ErrTimeout, cause: lastErr}
}

func (o *Orchestrator) fetch(ctx context.Context, job Job, attempt int) (*Result, error) {
	url, ok := job.ExportURL()
	if !ok {
		return nil, &Error{Phase: PhaseExport, JobID: job.ID, Attempts: attempt, Task: TaskExport, kind: ErrFailed,
			cause: errors.New("export task has no output url")}
	}
	data, err := o.API.Download(ctx, url)
	if err != nil {
		return nil, &Error{Phase: PhaseDownload, JobID: job.ID, Attempts: attempt, kind: ErrFailed, cause: err}
	}
	if o.Validate != nil {
		if err := o.Validate(data); err != nil {
			return nil, &Error{Phase: PhaseValidate, JobID: job.ID, Attempts: attempt, kind: ErrFailed, cause: err}
		}
	}
	log.Printf("conversion job %s finished after %d polls (%d bytes)", job.ID, attempt, len(data))
	return &Result{JobID: job.ID, Data: data, Attempts: attempt}, nil
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if o.Wait != nil {
		return o.Wait(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
