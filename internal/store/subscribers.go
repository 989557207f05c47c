package store

import (
	"context"
	"sort"
	"sync"

	"futflow/logger"
)

// Subscribers is the in-memory subscriber set backed by a SubscriberStore.
// Every mutation is written through; a failed write is logged and the
// in-memory set keeps the change.
type Subscribers struct {
	mu     sync.RWMutex
	saveMu sync.Mutex
	ids    map[int64]struct{}
	store  SubscriberStore
	log    *logger.Log
}

// LoadSubscribers reads the initial set. An unavailable or corrupt store
// starts with no subscribers.
func LoadSubscribers(ctx context.Context, st SubscriberStore) *Subscribers {
	s := &Subscribers{ids: make(map[int64]struct{}), store: st, log: logger.GetLogger()}
	ids, err := st.Load(ctx)
	if err != nil {
		s.log.WithComponent("subscribers").WithError(err).Warn("failed to load subscribers; starting empty")
		return s
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	s.log.WithComponent("subscribers").WithFields(logger.Fields{"count": len(s.ids)}).Info("subscribers loaded")
	return s
}

// Add subscribes id and reports whether it was new.
func (s *Subscribers) Add(ctx context.Context, id int64) bool {
	s.mu.Lock()
	if _, ok := s.ids[id]; ok {
		s.mu.Unlock()
		return false
	}
	s.ids[id] = struct{}{}
	s.mu.Unlock()

	s.persist(ctx)
	return true
}

// Remove unsubscribes id and reports whether it was present.
func (s *Subscribers) Remove(ctx context.Context, id int64) bool {
	s.mu.Lock()
	if _, ok := s.ids[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.ids, id)
	s.mu.Unlock()

	s.persist(ctx)
	return true
}

func (s *Subscribers) Contains(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// List returns the subscribers in ascending order.
func (s *Subscribers) List() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Subscribers) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

func (s *Subscribers) listLocked() []int64 {
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// persist writes the current set; saves are serialised so the last write
// always reflects the latest state.
func (s *Subscribers) persist(ctx context.Context) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.store.Save(ctx, s.List()); err != nil {
		s.log.WithComponent("subscribers").WithError(err).Warn("failed to persist subscribers")
	}
}
