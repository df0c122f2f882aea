// Package store defines the audit event store interface implemented by the
// jsonl, sqlite, webhook and composite backends.
package store

import (
	"context"

	"github.com/tokengate/tokengate/pkg/types"
)

type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	Close() error
}
