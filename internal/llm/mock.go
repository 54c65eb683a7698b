package llm

import (
	"context"
	"sync"

	"compass/internal/agent/ports"
)

// MockClient is a scripted LLM for tests and local development. Responses
// are consumed in order; once the script runs out it keeps returning the
// final response (or a plain acknowledgement when unscripted).
type MockClient struct {
	mu        sync.Mutex
	responses []*ports.CompletionResponse
	errs      []error
	next      int

	// Requests records every completion request received, in order.
	Requests []ports.CompletionRequest
}

// NewMockClient returns an empty mock; use Script or ScriptError to queue
// behavior.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Script queues a response returning plain content.
func (m *MockClient) Script(content string) *MockClient {
	return m.ScriptResponse(&ports.CompletionResponse{Content: content, StopReason: "stop"})
}

// ScriptToolCall queues a response asking for a single tool invocation.
func (m *MockClient) ScriptToolCall(id, name string, args map[string]any) *MockClient {
	return m.ScriptResponse(&ports.CompletionResponse{
		StopReason: "tool_calls",
		ToolCalls:  []ports.ToolCall{{ID: id, Name: name, Arguments: args}},
	})
}

// ScriptResponse queues a fully specified response.
func (m *MockClient) ScriptResponse(resp *ports.CompletionResponse) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errs = append(m.errs, nil)
	return m
}

// ScriptError queues an error return.
func (m *MockClient) ScriptError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, nil)
	m.errs = append(m.errs, err)
	return m
}

func (m *MockClient) Complete(_ context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	if len(m.responses) == 0 {
		return &ports.CompletionResponse{Content: "ok", StopReason: "stop"}, nil
	}

	i := m.next
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	} else {
		m.next++
	}

	if err := m.errs[i]; err != nil {
		return nil, err
	}
	return m.responses[i], nil
}

func (m *MockClient) Model() string { return "mock" }

// Calls returns how many completion requests the mock has served.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
