package mcp_test

import (
	"context"
	"sync"

	mcp "github.com/MegaGrindStone/hello-mcp"
)

type mockTransport struct {
	lock       sync.Mutex
	closed     bool
	closeCalls int
	onCloses   []func()
	events     []mockEvent
	done       chan struct{}
}

type mockEvent struct {
	event string
	data  string
}

func newMockTransport() *mockTransport {
	return &mockTransport{done: make(chan struct{})}
}

func (m *mockTransport) Send(_ context.Context, event string, data []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return mcp.ErrTransportClosed
	}
	m.events = append(m.events, mockEvent{event: event, data: string(data)})
	return nil
}

func (m *mockTransport) OnClose(fn func()) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		fn()
		return
	}
	m.onCloses = append(m.onCloses, fn)
	m.lock.Unlock()
}

func (m *mockTransport) Close() error {
	m.lock.Lock()
	m.closeCalls++
	if m.closed {
		m.lock.Unlock()
		return nil
	}
	m.closed = true
	fns := m.onCloses
	m.onCloses = nil
	close(m.done)
	m.lock.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

func (m *mockTransport) Done() <-chan struct{} { return m.done }

func (m *mockTransport) sent() []mockEvent {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]mockEvent(nil), m.events...)
}

func (m *mockTransport) isClosed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closed
}
