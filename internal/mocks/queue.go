package mocks

import "sync"

// MockMessageQueue is a func-field mock of queue.MessageQueue that records
// published messages and can replay them to subscribers.
type MockMessageQueue struct {
	PublishFunc   func(subject string, data []byte) error
	SubscribeFunc func(subject string, handler func(data []byte) error) error

	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string][]func(data []byte) error
}

func (m *MockMessageQueue) Publish(subject string, data []byte) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(subject, data)
	}
	m.mu.Lock()
	if m.published == nil {
		m.published = make(map[string][][]byte)
	}
	m.published[subject] = append(m.published[subject], data)
	handlers := append([]func(data []byte) error(nil), m.handlers[subject]...)
	m.mu.Unlock()

	for _, h := range handlers {
		_ = h(data)
	}
	return nil
}

func (m *MockMessageQueue) Subscribe(subject string, handler func(data []byte) error) error {
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(subject, handler)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[string][]func(data []byte) error)
	}
	m.handlers[subject] = append(m.handlers[subject], handler)
	return nil
}

func (m *MockMessageQueue) Close() error { return nil }

// Published returns every payload published on the subject.
func (m *MockMessageQueue) Published(subject string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published[subject]...)
}
