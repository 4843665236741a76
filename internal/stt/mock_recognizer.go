package stt

import (
	"context"
	"sync"
)

// MockRecognizer replays scripted hypotheses. Each Partial call returns
// the next scripted partial (sticking on the last one); Final returns
// the scripted final text. Used in tests and as the "mock" backend.
type MockRecognizer struct {
	mu       sync.Mutex
	partials []string
	final    string
	idx      int
	Frames   int
	Resets   int
}

func NewMockRecognizer(partials []string, final string) *MockRecognizer {
	return &MockRecognizer{partials: partials, final: final}
}

// Script replaces the scripted hypotheses and rewinds the partial cursor.
func (m *MockRecognizer) Script(partials []string, final string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partials = partials
	m.final = final
	m.idx = 0
}

func (m *MockRecognizer) AcceptFrame(_ context.Context, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Frames++
	return nil
}

func (m *MockRecognizer) Partial(_ context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.partials) == 0 {
		return Result{}, nil
	}
	text := m.partials[m.idx]
	if m.idx < len(m.partials)-1 {
		m.idx++
	}
	return Result{Text: text}, nil
}

func (m *MockRecognizer) Final(_ context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Result{Text: m.final, Confidence: 1}, nil
}

func (m *MockRecognizer) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partials = nil
	m.final = ""
	m.idx = 0
	m.Resets++
	return nil
}
