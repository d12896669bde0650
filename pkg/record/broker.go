package record

import (
	"context"
	"sync"
)

// Broker fans committed records out to subscribers.
//
// Publish never blocks on a slow subscriber. Each subscription has its own queue and
// delivery goroutine, so a subscriber sees records in the order they were published.
type Broker struct {
	lock          sync.RWMutex
	subscriptions map[*subscription]struct{}
}

type subscription struct {
	filter   Filter
	onChange func(*Record)

	lock  sync.Mutex
	queue []*Record
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewBroker() *Broker {
	return &Broker{
		subscriptions: make(map[*subscription]struct{}),
	}
}

// Subscribe registers onChange for records matching filter until unsubscribe is called
// or ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, filter Filter, onChange func(*Record)) func() {
	sub := &subscription{
		filter:   filter,
		onChange: onChange,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	b.lock.Lock()
	b.subscriptions[sub] = struct{}{}
	b.lock.Unlock()

	unsubscribe := func() {
		sub.once.Do(func() {
			b.lock.Lock()
			delete(b.subscriptions, sub)
			b.lock.Unlock()
			close(sub.done)
		})
	}

	go sub.deliver()
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-sub.done:
		}
	}()

	return unsubscribe
}

func (b *Broker) Publish(rec *Record) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	for sub := range b.subscriptions {
		if !sub.filter.Match(rec) {
			continue
		}
		sub.push(rec.Clone())
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.subscriptions)
}

func (s *subscription) push(rec *Record) {
	s.lock.Lock()
	s.queue = append(s.queue, rec)
	s.lock.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() *Record {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	rec := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return rec
}

func (s *subscription) deliver() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for rec := s.pop(); rec != nil; rec = s.pop() {
			select {
			case <-s.done:
				return
			default:
			}
			s.onChange(rec)
		}
	}
}
