// Package testing provides a scriptable compute provider for unit tests.
package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/zkmpc/coordinator/coordinator/compute"
)

// MockProvider records calls and serves scripted command results.
type MockProvider struct {
	lock sync.Mutex

	CreatedInstances    []compute.InstanceSpec
	StartedInstances    []string
	StoppedInstances    []string
	TerminatedInstances []string
	RanCommands         []string

	// NextCommandState and NextCommandOutput script the result every
	// command converges to.
	NextCommandState  compute.CommandState
	NextCommandOutput string

	nextID int
}

var _ compute.Provider = (*MockProvider)(nil)

// NewMockProvider returns a mock whose commands succeed with empty output.
func NewMockProvider() *MockProvider {
	return &MockProvider{NextCommandState: compute.CommandSucceeded}
}

// CreateInstance records the spec and mints an instance id.
func (m *MockProvider) CreateInstance(_ context.Context, spec compute.InstanceSpec) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.CreatedInstances = append(m.CreatedInstances, spec)
	m.nextID++
	return fmt.Sprintf("mock-instance-%d", m.nextID), nil
}

// StartInstance records the call.
func (m *MockProvider) StartInstance(_ context.Context, instanceID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.StartedInstances = append(m.StartedInstances, instanceID)
	return nil
}

// StopInstance records the call.
func (m *MockProvider) StopInstance(_ context.Context, instanceID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.StoppedInstances = append(m.StoppedInstances, instanceID)
	return nil
}

// TerminateInstance records the call.
func (m *MockProvider) TerminateInstance(_ context.Context, instanceID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.TerminatedInstances = append(m.TerminatedInstances, instanceID)
	return nil
}

// RunCommand records the command and mints a command id.
func (m *MockProvider) RunCommand(_ context.Context, _, command string) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.RanCommands = append(m.RanCommands, command)
	m.nextID++
	return fmt.Sprintf("mock-command-%d", m.nextID), nil
}

// CommandStatus returns the scripted state.
func (m *MockProvider) CommandStatus(_ context.Context, _ string) (compute.CommandState, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.NextCommandState, nil
}

// CommandOutput returns the scripted output.
func (m *MockProvider) CommandOutput(_ context.Context, _ string) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.NextCommandOutput, nil
}
