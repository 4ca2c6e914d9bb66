package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/voxline/callflow/internal/domain"
)

// MockSessionStore is a func-field mock of ports.SessionStore. With no
// overrides it behaves as a working in-memory store, which is what most
// orchestrator tests want.
type MockSessionStore struct {
	SetDescriptorFunc func(ctx context.Context, callControlID string, desc domain.SessionDescriptor, ttl time.Duration) error
	GetDescriptorFunc func(ctx context.Context, callControlID string) (*domain.SessionDescriptor, error)
	IncrementFunc     func(ctx context.Context, callControlID, counter string) (int64, error)
	DecrementFunc     func(ctx context.Context, callControlID, counter string) (int64, error)
	GetCounterFunc    func(ctx context.Context, callControlID, counter string) (int64, error)
	ResetCounterFunc  func(ctx context.Context, callControlID, counter string) error
	SetFlagFunc       func(ctx context.Context, callControlID, name string, value bool, ttl time.Duration) error
	GetFlagFunc       func(ctx context.Context, callControlID, name string) (bool, error)
	WaitForFlagFunc   func(ctx context.Context, callControlID, name string) error
	ExpireAllFunc     func(ctx context.Context, callControlID string, grace time.Duration) error

	mu          sync.Mutex
	descriptors map[string]domain.SessionDescriptor
	counters    map[string]int64
	flags       map[string]bool
}

func (m *MockSessionStore) init() {
	if m.descriptors == nil {
		m.descriptors = make(map[string]domain.SessionDescriptor)
		m.counters = make(map[string]int64)
		m.flags = make(map[string]bool)
	}
}

func (m *MockSessionStore) SetDescriptor(ctx context.Context, callControlID string, desc domain.SessionDescriptor, ttl time.Duration) error {
	if m.SetDescriptorFunc != nil {
		return m.SetDescriptorFunc(ctx, callControlID, desc, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.descriptors[callControlID] = desc
	return nil
}

func (m *MockSessionStore) GetDescriptor(ctx context.Context, callControlID string) (*domain.SessionDescriptor, error) {
	if m.GetDescriptorFunc != nil {
		return m.GetDescriptorFunc(ctx, callControlID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if desc, ok := m.descriptors[callControlID]; ok {
		return &desc, nil
	}
	return nil, nil
}

func (m *MockSessionStore) Increment(ctx context.Context, callControlID, counter string) (int64, error) {
	if m.IncrementFunc != nil {
		return m.IncrementFunc(ctx, callControlID, counter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	key := callControlID + ":" + counter
	m.counters[key]++
	return m.counters[key], nil
}

func (m *MockSessionStore) Decrement(ctx context.Context, callControlID, counter string) (int64, error) {
	if m.DecrementFunc != nil {
		return m.DecrementFunc(ctx, callControlID, counter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	key := callControlID + ":" + counter
	if m.counters[key] > 0 {
		m.counters[key]--
	}
	return m.counters[key], nil
}

func (m *MockSessionStore) GetCounter(ctx context.Context, callControlID, counter string) (int64, error) {
	if m.GetCounterFunc != nil {
		return m.GetCounterFunc(ctx, callControlID, counter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.counters[callControlID+":"+counter], nil
}

func (m *MockSessionStore) ResetCounter(ctx context.Context, callControlID, counter string) error {
	if m.ResetCounterFunc != nil {
		return m.ResetCounterFunc(ctx, callControlID, counter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.counters[callControlID+":"+counter] = 0
	return nil
}

func (m *MockSessionStore) SetFlag(ctx context.Context, callControlID, name string, value bool, ttl time.Duration) error {
	if m.SetFlagFunc != nil {
		return m.SetFlagFunc(ctx, callControlID, name, value, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.flags[callControlID+":"+name] = value
	return nil
}

func (m *MockSessionStore) GetFlag(ctx context.Context, callControlID, name string) (bool, error) {
	if m.GetFlagFunc != nil {
		return m.GetFlagFunc(ctx, callControlID, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.flags[callControlID+":"+name], nil
}

func (m *MockSessionStore) WaitForFlag(ctx context.Context, callControlID, name string) error {
	if m.WaitForFlagFunc != nil {
		return m.WaitForFlagFunc(ctx, callControlID, name)
	}
	m.mu.Lock()
	set := m.flags != nil && m.flags[callControlID+":"+name]
	m.mu.Unlock()
	if set {
		return nil
	}
	return context.DeadlineExceeded
}

func (m *MockSessionStore) ExpireAll(ctx context.Context, callControlID string, grace time.Duration) error {
	if m.ExpireAllFunc != nil {
		return m.ExpireAllFunc(ctx, callControlID, grace)
	}
	return nil
}

func (m *MockSessionStore) Ping() error { return nil }

func (m *MockSessionStore) Close() error { return nil }
