package agent

import (
	"errors"
	"fmt"
)

// Kind classifies a failed apply attempt.
type Kind string

const (
	// KindInvalidConfig means the daemon rejected the document. The live
	// config is untouched.
	KindInvalidConfig Kind = "invalid_config"
	// KindRestartFailed means the live config was replaced but the daemon
	// restart failed, so the daemon may still run the previous config or be down.
	KindRestartFailed Kind = "restart_failed"
	// KindInternal covers local faults before the swap (encoding, temp file, rename).
	KindInternal Kind = "internal"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrRestartFailed = errors.New("restart failed")
	ErrInternal      = errors.New("apply failed")
)

// ApplyError represents a failed apply attempt
type ApplyError struct {
	Kind   Kind   // Failed stage
	Output string // Daemon or supervisor diagnostic output
	Err    error  // Original error
}

func (e *ApplyError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s: %v: %s", e.Kind, e.Err, e.Output)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

func (e *ApplyError) Is(target error) bool {
	switch target {
	case ErrInvalidConfig:
		return e.Kind == KindInvalidConfig
	case ErrRestartFailed:
		return e.Kind == KindRestartFailed
	case ErrInternal:
		return e.Kind == KindInternal
	}
	return false
}

// ConfigUpdated reports whether the live config file was replaced.
func (e *ApplyError) ConfigUpdated() bool {
	return e.Kind == KindRestartFailed
}

func NewApplyError(kind Kind, output string, err error) error {
	return &ApplyError{
		Kind:   kind,
		Output: output,
		Err:    err,
	}
}
