package panel

import (
	"errors"
	"fmt"
)

// PushKind classifies a failed push.
type PushKind string

const (
	// PushUnreachable is a transport fault: refused connection, DNS, timeout.
	PushUnreachable PushKind = "unreachable"
	// PushRemote is a non-2xx answer from the node agent.
	PushRemote PushKind = "remote"
	// PushRender means the node graph failed to render; nothing was sent.
	PushRender PushKind = "render"
)

var (
	ErrUnreachable = errors.New("node unreachable")
	ErrRemote      = errors.New("node rejected config")
)

// PushError represents a failed push to a node agent
type PushError struct {
	Kind   PushKind
	Node   string
	Status int    // HTTP status for PushRemote
	Body   string // Verbatim agent response for PushRemote
	Err    error
}

func (e *PushError) Error() string {
	switch e.Kind {
	case PushRemote:
		return fmt.Sprintf("push to %s: remote status %d: %s", e.Node, e.Status, e.Body)
	default:
		return fmt.Sprintf("push to %s: %s: %v", e.Node, e.Kind, e.Err)
	}
}

func (e *PushError) Unwrap() error {
	return e.Err
}

func (e *PushError) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == PushUnreachable
	case ErrRemote:
		return e.Kind == PushRemote
	}
	return false
}
