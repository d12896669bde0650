package record

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type stable struct {
	current  string
	previous string
}

// MemoryStore keeps records in process memory. It is the default backend, and the one
// used by tests.
type MemoryStore struct {
	lock    sync.RWMutex
	records map[string]*Record
	stable  map[string]stable
	broker  *Broker
}

var _ Backend = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		stable:  make(map[string]stable),
		broker:  NewBroker(),
	}
}

func (m *MemoryStore) Create(_ context.Context, rec *Record) (string, error) {
	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	rec.Version = 1

	m.lock.Lock()
	defer m.lock.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return "", ErrAlreadyExists
	}
	m.records[rec.ID] = rec
	m.broker.Publish(rec)

	return rec.ID, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (*Record, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	before, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}

	after, err := ApplyUpdate(before, fn)
	if err != nil {
		return nil, err
	}

	m.records[id] = after
	m.broker.Publish(after)

	return after.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns matching records, newest first.
func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Record, error) {
	m.lock.RLock()
	records := make([]*Record, 0)
	for _, rec := range m.records {
		if filter.Match(rec) {
			records = append(records, rec.Clone())
		}
	}
	m.lock.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, filter Filter, onChange func(*Record)) (func(), error) {
	return m.broker.Subscribe(ctx, filter, onChange), nil
}

func (m *MemoryStore) StableEndpoint(_ context.Context, service string) (string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	s := m.stable[service]
	if s.current == "" {
		return "", ErrNotFound
	}
	return s.current, nil
}

func (m *MemoryStore) PreviousStableEndpoint(_ context.Context, service string) (string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	s := m.stable[service]
	if s.previous == "" {
		return "", ErrNotFound
	}
	return s.previous, nil
}

func (m *MemoryStore) SetStableEndpoint(_ context.Context, service, endpoint string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	s := m.stable[service]
	if s.current != endpoint {
		s.previous = s.current
		s.current = endpoint
	}
	m.stable[service] = s
	return nil
}

func (m *MemoryStore) RevertStableEndpoint(_ context.Context, service string) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	s := m.stable[service]
	if s.previous == "" {
		return "", ErrNotFound
	}
	m.stable[service] = stable{current: s.previous}
	return s.previous, nil
}
