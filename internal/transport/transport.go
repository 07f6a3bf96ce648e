// Package transport defines the abstract message channel the Reconciler
// drives a session over. Per spec.md §1, Transport is a collaborator
// interface implemented by the host application (or, inside this repo,
// by internal/syncrpc's grpc-backed implementation); the engine assumes
// only in-order, reliable delivery within one session.
package transport

import "context"

// Transport carries wire messages for exactly one (peer, table)
// session. It is not shared across sessions to the same peer, per
// spec.md §5 ("avoids head-of-line blocking").
type Transport interface {
	// Send writes msg, blocking until it is handed off to the
	// underlying channel or ctx is done.
	Send(ctx context.Context, msg any) error

	// Recv blocks until the next message arrives, ctx is done, or the
	// transport is closed.
	Recv(ctx context.Context) (any, error)

	// Close releases the session's resources. Safe to call more than
	// once.
	Close() error
}
