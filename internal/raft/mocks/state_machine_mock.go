package mocks

import (
	"encoding/json"
	"sync"
)

// MockStateMachine is a state_machine.StateMachine that records every command it is given, in order. Apply answers
// with the command itself unless Response is set.
type MockStateMachine struct {
	mu              sync.RWMutex
	AppliedCommands [][]byte
	ApplyCallCount  int
	Response        []byte

	// Error injection for testing
	SnapshotError error
	RestoreError  error
}

// NewMockStateMachine creates a new mock state machine
func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{
		AppliedCommands: make([][]byte, 0),
	}
}

func (m *MockStateMachine) Apply(command []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppliedCommands = append(m.AppliedCommands, append([]byte(nil), command...))
	m.ApplyCallCount++
	if m.Response != nil {
		return m.Response
	}
	return command
}

// Snapshot encodes the applied commands as a JSON array of strings
func (m *MockStateMachine) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.SnapshotError != nil {
		return nil, m.SnapshotError
	}
	cmds := make([]string, len(m.AppliedCommands))
	for i, c := range m.AppliedCommands {
		cmds[i] = string(c)
	}
	return json.Marshal(cmds)
}

func (m *MockStateMachine) Restore(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RestoreError != nil {
		return m.RestoreError
	}
	var cmds []string
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cmds); err != nil {
			return err
		}
	}
	m.AppliedCommands = make([][]byte, len(cmds))
	for i, c := range cmds {
		m.AppliedCommands[i] = []byte(c)
	}
	return nil
}

// GetAppliedCommands returns a copy of all applied commands as strings
func (m *MockStateMachine) GetAppliedCommands() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]string, len(m.AppliedCommands))
	for i, c := range m.AppliedCommands {
		result[i] = string(c)
	}
	return result
}

// Reset clears the mock state
func (m *MockStateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppliedCommands = make([][]byte, 0)
	m.ApplyCallCount = 0
}
