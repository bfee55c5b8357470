// Package session stores sticky-session bindings: session id -> node id with
// an inactivity expiry.
package session

import (
	"context"
	"time"
)

// DefaultTTL is the sticky-session inactivity window.
const DefaultTTL = 30 * time.Minute

// Binding is one sticky-session record.
type Binding struct {
	SessionID  string    `json:"session_id"`
	NodeID     string    `json:"node_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Uses       int       `json:"uses"`
}

// Store holds at most one live binding per session id.
type Store interface {
	// Touch refreshes a live binding and counts one use. ok is false when the
	// session has no live binding.
	Touch(ctx context.Context, sessionID string) (b Binding, ok bool, err error)
	// Get returns a live binding without refreshing it.
	Get(ctx context.Context, sessionID string) (b Binding, ok bool, err error)
	// Bind sets sessionID -> nodeID if the session is unbound or currently bound
	// to replaceNodeID (empty replaces nothing). It returns whichever binding is
	// live afterwards, which is someone else's when a concurrent Bind won.
	Bind(ctx context.Context, sessionID, nodeID, replaceNodeID string) (Binding, error)
	// Delete removes the binding if it still points at nodeID.
	Delete(ctx context.Context, sessionID, nodeID string) error
	// Len returns the number of live bindings.
	Len(ctx context.Context) (int, error)
}
