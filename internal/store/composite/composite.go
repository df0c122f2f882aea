// Package composite fans audit events out to several stores and answers
// queries from the first store that supports them.
package composite

import (
	"context"
	"errors"

	storepkg "github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/pkg/types"
)

type Store struct {
	stores []storepkg.EventStore
}

func New(stores ...storepkg.EventStore) *Store {
	var nonNil []storepkg.EventStore
	for _, s := range stores {
		if s != nil {
			nonNil = append(nonNil, s)
		}
	}
	return &Store{stores: nonNil}
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	var errs []error
	for _, st := range s.stores {
		if err := st.AppendEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	for _, st := range s.stores {
		out, err := st.QueryEvents(ctx, q)
		if err != nil {
			return nil, err
		}
		if out != nil {
			return out, nil
		}
	}
	return nil, nil
}

func (s *Store) Close() error {
	var errs []error
	for _, st := range s.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
