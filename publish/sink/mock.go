package sink

import (
	"context"
	"sync"
)

// MockSink records published messages for inspection in tests.
type MockSink struct {
	mu         sync.Mutex
	messages   []MockMessage
	publishErr error
	failures   int // fail this many publishes before succeeding
	succeedFor int // with failAfter set, succeed this many publishes first
	failAfter  bool
}

// MockMessage is one recorded publish call.
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records the message, or fails per the configured error/failure
// budget.
func (m *MockSink) Publish(_ context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishErr != nil {
		return m.publishErr
	}
	if m.failures > 0 {
		m.failures--
		return errMockPublish
	}
	if m.failAfter {
		if m.succeedFor == 0 {
			return errMockPublish
		}
		m.succeedFor--
	}

	val := make([]byte, len(value))
	copy(val, value)
	m.messages = append(m.messages, MockMessage{Topic: topic, Key: key, Value: val})
	return nil
}

// Close is a no-op.
func (m *MockSink) Close() error { return nil }

// Messages returns a copy of all recorded messages.
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// OnTopic returns recorded messages for one topic, in publish order.
func (m *MockSink) OnTopic(topic string) []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockMessage
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// SetError makes every subsequent publish fail with err (nil to clear).
func (m *MockSink) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// FailNext makes the next n publishes fail before succeeding again.
func (m *MockSink) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// FailAfter makes the first n publishes succeed and every later one fail,
// until cleared by Reset.
func (m *MockSink) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = true
	m.succeedFor = n
}

// Reset clears recorded messages and failure state.
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.publishErr = nil
	m.failures = 0
	m.failAfter = false
	m.succeedFor = 0
}

type mockError string

func (e mockError) Error() string { return string(e) }

const errMockPublish = mockError("mock publish failure")
