package coordination

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConnect is returned when the coordination service cannot be reached.
	ErrConnect = errors.New("coordination service unreachable")

	// ErrCoordination is the umbrella for service-side operation failures.
	ErrCoordination = errors.New("coordination failure")

	// ErrNoNode is returned when a parent or watched node does not exist.
	ErrNoNode = fmt.Errorf("%w: node does not exist", ErrCoordination)

	// ErrSessionClosed is returned by operations on a closed or expired session.
	ErrSessionClosed = fmt.Errorf("%w: session closed", ErrCoordination)

	// ErrSessionEnded signals that the session was lost and its ephemeral nodes are gone.
	ErrSessionEnded = errors.New("coordination session ended")
)

// SessionState is the liveness of a session as seen by its owner.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateEnded
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	// SessionConnected is delivered once the session is established.
	SessionConnected EventKind = iota
	// SessionEnded is delivered once when the session expires or is closed.
	SessionEnded
	// NodeDeleted is delivered when a node with a pending deletion watch disappears.
	NodeDeleted
)

func (k EventKind) String() string {
	switch k {
	case SessionConnected:
		return "session_connected"
	case SessionEnded:
		return "session_ended"
	case NodeDeleted:
		return "node_deleted"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification from the coordination service.
type Event struct {
	Kind EventKind
	// Path is the full path of the deleted node for NodeDeleted events.
	Path string
}

// Session is a live, time-bounded connection to a hierarchical coordination
// service. Ephemeral nodes created through it are removed by the service when
// the session ends.
type Session interface {
	// ID identifies the session for logging.
	ID() string

	// EnsureNamespace creates a persistent node at namespace if it is missing.
	EnsureNamespace(ctx context.Context, namespace string) error

	// CreateEphemeralSequentialChild creates an ephemeral child of namespace
	// named prefix plus a service-assigned, fixed-width, monotonically
	// increasing sequence number. It returns the full path of the new node.
	CreateEphemeralSequentialChild(ctx context.Context, namespace, prefix string, payload []byte) (string, error)

	// ListChildren returns the names (not paths) of the direct children of namespace.
	ListChildren(ctx context.Context, namespace string) ([]string, error)

	// WatchDeletion sets a one-shot watch that delivers a NodeDeleted event
	// when the node at path is removed. If the node does not exist no watch is
	// set and exists is false.
	WatchDeletion(ctx context.Context, path string) (exists bool, err error)

	// Events delivers session lifecycle and watch notifications.
	Events() <-chan Event

	// State reports the current session state.
	State() SessionState

	// Close releases the session and every ephemeral node it owns. It is idempotent.
	Close() error
}

// Connector opens a new session.
type Connector func(ctx context.Context) (Session, error)
