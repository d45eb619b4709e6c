package docstore

import (
	"sort"
	"sync"
)

// broker fans committed snapshots out to live subscriptions.
//
// Each subscription owns an unbounded FIFO drained by its own goroutine, so publishers never
// block on slow callbacks and per-document commit order is preserved. Snapshots whose revision
// is not newer than the last one delivered for the same document are dropped.
type broker struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
}

func newBroker() *broker {
	return &broker{subs: make(map[uint64]*subscription)}
}

func (b *broker) add(target Target, onNext func(Snapshot), onError func(error)) *subscription {
	b.mu.Lock()
	b.nextID++
	s := &subscription{
		id:      b.nextID,
		target:  target,
		broker:  b,
		onNext:  onNext,
		onError: onError,
		last:    make(map[string]int64),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.run()
	return s
}

func (b *broker) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *broker) publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.target.matches(snap.Collection, snap.ID) {
			s.push(snap)
		}
	}
}

// fail terminates every subscription with err.
func (b *broker) fail(err error) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.pushErr(err)
	}
}

// targets lists the distinct targets currently watched.
func (b *broker) targets() []Target {
	b.mu.Lock()
	seen := make(map[Target]struct{}, len(b.subs))
	for _, s := range b.subs {
		seen[s.target] = struct{}{}
	}
	b.mu.Unlock()

	out := make([]Target, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (b *broker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type queued struct {
	snap Snapshot
	err  error
}

type subscription struct {
	id      uint64
	target  Target
	broker  *broker
	onNext  func(Snapshot)
	onError func(error)

	mu    sync.Mutex
	queue []queued
	last  map[string]int64

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *subscription) push(snap Snapshot) {
	s.mu.Lock()
	if rev, seen := s.last[snap.ID]; seen && snap.Revision <= rev {
		s.mu.Unlock()
		return
	}
	s.last[snap.ID] = snap.Revision
	snap.Data = Clone(snap.Data)
	s.queue = append(s.queue, queued{snap: snap})
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) pushErr(err error) {
	s.mu.Lock()
	s.queue = append(s.queue, queued{err: err})
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue[0] = queued{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}

			if next.err != nil {
				if s.onError != nil {
					s.onError(next.err)
				}
				s.Unsubscribe()
				return
			}
			if s.onNext != nil {
				s.onNext(next.snap)
			}
		}
	}
}

// Unsubscribe stops delivery. Safe to call from inside a callback.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.remove(s.id)
		close(s.done)
	})
}
