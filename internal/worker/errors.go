package worker

import (
	"errors"
	"fmt"
)

// ErrPoolStopped is returned for jobs that could not run because the pool stopped.
var ErrPoolStopped = errors.New("worker pool stopped")

// JobError represents an error returned (or a panic raised) by a job
type JobError struct {
	Job string // Name of the failed job
	Err error  // Original error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %v", e.Job, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func NewJobError(job string, err error) error {
	return &JobError{
		Job: job,
		Err: err,
	}
}
