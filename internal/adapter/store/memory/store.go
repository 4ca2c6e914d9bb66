package memorystore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/ports"
)

// ErrNotFound mirrors the redis store's missing-descriptor error.
var ErrNotFound = errors.New("session state not found")

type entry struct {
	descriptor *domain.SessionDescriptor
	counters   map[string]int64
	flags      map[string]bool
	expiresAt  time.Time
}

// Store is an in-memory SessionStore for single-worker dev runs. Production
// workers share state through Redis.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *zap.Logger
	stopCh  chan struct{}
}

func New(cleanupInterval time.Duration, log *zap.Logger) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		entries: make(map[string]*entry),
		log:     log,
		stopCh:  make(chan struct{}),
	}
	go s.cleanupLoop(cleanupInterval)
	return s
}

func (s *Store) call(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{counters: make(map[string]int64), flags: make(map[string]bool)}
		s.entries[id] = e
	}
	return e
}

func (s *Store) SetDescriptor(_ context.Context, callControlID string, desc domain.SessionDescriptor, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.call(callControlID)
	d := desc
	e.descriptor = &d
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

func (s *Store) GetDescriptor(_ context.Context, callControlID string) (*domain.SessionDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[callControlID]
	if !ok || e.descriptor == nil {
		return nil, ErrNotFound
	}
	d := *e.descriptor
	return &d, nil
}

func (s *Store) Increment(_ context.Context, callControlID, counter string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.call(callControlID)
	e.counters[counter]++
	return e.counters[counter], nil
}

func (s *Store) Decrement(_ context.Context, callControlID, counter string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.call(callControlID)
	if e.counters[counter] > 0 {
		e.counters[counter]--
	}
	return e.counters[counter], nil
}

func (s *Store) GetCounter(_ context.Context, callControlID, counter string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[callControlID]
	if !ok {
		return 0, nil
	}
	return e.counters[counter], nil
}

func (s *Store) ResetCounter(_ context.Context, callControlID, counter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.call(callControlID).counters[counter] = 0
	return nil
}

func (s *Store) SetFlag(_ context.Context, callControlID, name string, value bool, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.call(callControlID).flags[name] = value
	return nil
}

func (s *Store) GetFlag(_ context.Context, callControlID, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[callControlID]
	if !ok {
		return false, nil
	}
	return e.flags[name], nil
}

func (s *Store) WaitForFlag(ctx context.Context, callControlID, name string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		set, _ := s.GetFlag(ctx, callControlID, name)
		if set {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for flag %s on call %s: %w", name, callControlID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Store) ExpireAll(_ context.Context, callControlID string, grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[callControlID]; ok {
		e.expiresAt = time.Now().Add(grace)
	}
	return nil
}

func (s *Store) Ping() error { return nil }

func (s *Store) Close() error {
	close(s.stopCh)
	return nil
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expired := 0
	for id, e := range s.entries {
		if !e.expiresAt.IsZero() && e.expiresAt.Before(now) {
			delete(s.entries, id)
			expired++
		}
	}
	if expired > 0 {
		s.log.Debug("Session store cleanup completed", zap.Int("expired_calls", expired))
	}
}

var _ ports.SessionStore = (*Store)(nil)
