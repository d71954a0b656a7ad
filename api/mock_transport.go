package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudrive/drivesdk/encoding"
)

// MockCall records one request seen by the mock transport.
type MockCall struct {
	Method string
	Path   string
	Body   any
}

// MockTransport is a scripted Transport for tests. Handlers are keyed by
// "METHOD path" (exact match first, then method-with-prefix match); their
// return value is marshaled and decoded into the caller's out parameter.
type MockTransport struct {
	mu       sync.Mutex
	handlers map[string]func(body any) (any, error)
	Calls    []MockCall
}

// NewMockTransport creates an empty scripted transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{handlers: make(map[string]func(body any) (any, error))}
}

// Handle scripts a response for "METHOD path".
func (m *MockTransport) Handle(method, path string, handler func(body any) (any, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method+" "+path] = handler
}

// Respond scripts a fixed response value for "METHOD path".
func (m *MockTransport) Respond(method, path string, response any) {
	m.Handle(method, path, func(any) (any, error) { return response, nil })
}

// Fail scripts a fixed error for "METHOD path".
func (m *MockTransport) Fail(method, path string, err error) {
	m.Handle(method, path, func(any) (any, error) { return nil, err })
}

// CallCount returns how many requests matched "METHOD path".
func (m *MockTransport) CallCount(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (m *MockTransport) roundTrip(ctx context.Context, method, path string, body any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: method, Path: path, Body: body})
	handler, ok := m.handlers[method+" "+path]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mock transport: no handler for %s %s", method, path)
	}
	resp, err := handler(body)
	if err != nil {
		return err
	}
	if out == nil || resp == nil {
		return nil
	}
	ba, err := encoding.DefaultMarshaler.Marshal(resp)
	if err != nil {
		return err
	}
	return encoding.DefaultMarshaler.Unmarshal(ba, out)
}

func (m *MockTransport) Get(ctx context.Context, path string, out any) error {
	return m.roundTrip(ctx, "GET", path, nil, out)
}

func (m *MockTransport) Post(ctx context.Context, path string, body any, out any) error {
	return m.roundTrip(ctx, "POST", path, body, out)
}

func (m *MockTransport) Put(ctx context.Context, path string, body any, out any) error {
	return m.roundTrip(ctx, "PUT", path, body, out)
}

func (m *MockTransport) Delete(ctx context.Context, path string, body any, out any) error {
	return m.roundTrip(ctx, "DELETE", path, body, out)
}
