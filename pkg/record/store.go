package record

import (
	"context"
)

// UpdateFunc mutates a private copy of a record. Returning an error aborts the update.
type UpdateFunc func(rec *Record) error

// Filter selects records by any combination of fields. Zero values match everything.
type Filter struct {
	ID         string
	Service    string
	Requester  string
	ActiveOnly bool
	Limit      int
}

func (f Filter) Match(rec *Record) bool {
	switch {
	case f.ID != "" && f.ID != rec.ID:
		return false
	case f.Service != "" && f.Service != rec.Service:
		return false
	case f.Requester != "" && f.Requester != rec.Requester:
		return false
	case f.ActiveOnly && rec.Status.Terminal():
		return false
	}
	return true
}

// Store persists deployment records.
//
// Updates are atomic per call: the mutator always sees the latest committed version, and
// readers never observe a partially applied update. Subscribers receive every committed
// version of matching records at least once, in commit order.
type Store interface {
	Create(ctx context.Context, rec *Record) (string, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter Filter) ([]*Record, error)
	Subscribe(ctx context.Context, filter Filter, onChange func(*Record)) (unsubscribe func(), err error)
}

// StableStore remembers the last endpoint of each service that was verified healthy,
// and the one before it.
type StableStore interface {
	StableEndpoint(ctx context.Context, service string) (string, error)
	PreviousStableEndpoint(ctx context.Context, service string) (string, error)
	SetStableEndpoint(ctx context.Context, service, endpoint string) error
	RevertStableEndpoint(ctx context.Context, service string) (string, error)
}

// Backend is what a complete storage implementation provides.
type Backend interface {
	Store
	StableStore
}
