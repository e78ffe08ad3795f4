// Package store declares the transactional query/command surface the
// services run against. Postgres and the in-memory store both satisfy it.
package store

import (
	"context"

	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
)

// Tx is a unit of work. Writes become visible when the enclosing RunInTx
// returns nil.
type Tx interface {
	catalog.Repository
	prescription.Repository

	// AppendOutbox records a lifecycle event for asynchronous publication.
	AppendOutbox(ctx context.Context, e *prescription.Event) error
}

// Store opens units of work.
type Store interface {
	// RunInTx runs fn in a read-write transaction. Any error rolls back.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}
