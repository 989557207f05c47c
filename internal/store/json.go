package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// JSONSubscriberStore keeps subscribers as a JSON array of chat ids.
type JSONSubscriberStore struct {
	blob Blob
}

func NewJSONSubscriberStore(blob Blob) *JSONSubscriberStore {
	return &JSONSubscriberStore{blob: blob}
}

func (s *JSONSubscriberStore) Load(ctx context.Context) ([]int64, error) {
	data, err := s.blob.Read(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode subscribers: %w", err)
	}
	return ids, nil
}

func (s *JSONSubscriberStore) Save(ctx context.Context, ids []int64) error {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	data, err := json.Marshal(sorted)
	if err != nil {
		return err
	}
	return s.blob.Write(ctx, data)
}

// JSONSeenStore keeps a link -> first-seen map. Entries older than the
// retention are dropped on write and ignored on read; zero retention keeps
// everything.
type JSONSeenStore struct {
	blob      Blob
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	loaded  bool
	entries map[string]time.Time
}

func NewJSONSeenStore(blob Blob, retention time.Duration) *JSONSeenStore {
	return &JSONSeenStore{blob: blob, retention: retention, now: time.Now}
}

// load reads the blob once. A missing or corrupt blob starts empty.
func (s *JSONSeenStore) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	s.entries = make(map[string]time.Time)
	data, err := s.blob.Read(ctx)
	if errors.Is(err, ErrNotFound) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	s.loaded = true
	if err := json.Unmarshal(data, &s.entries); err != nil {
		s.entries = make(map[string]time.Time)
		return fmt.Errorf("decode seen links: %w", err)
	}
	return nil
}

func (s *JSONSeenStore) expired(at time.Time) bool {
	return s.retention > 0 && s.now().Sub(at) > s.retention
}

func (s *JSONSeenStore) Contains(ctx context.Context, link string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.load(ctx)
	at, ok := s.entries[link]
	return ok && !s.expired(at), err
}

func (s *JSONSeenStore) Add(ctx context.Context, link string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// a read failure must not overwrite the stored set; a corrupt one may
	if err := s.load(ctx); err != nil && !s.loaded {
		return err
	}
	if at, ok := s.entries[link]; ok && !s.expired(at) {
		return nil
	}
	s.entries[link] = s.now()
	for k, at := range s.entries {
		if s.expired(at) {
			delete(s.entries, k)
		}
	}
	data, err := json.Marshal(s.entries)
	if err != nil {
		return err
	}
	return s.blob.Write(ctx, data)
}

// Len reports how many unexpired links are retained.
func (s *JSONSeenStore) Len(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.load(ctx)
	n := 0
	for _, at := range s.entries {
		if !s.expired(at) {
			n++
		}
	}
	return n
}
