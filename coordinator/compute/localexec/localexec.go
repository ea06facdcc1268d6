// Package localexec implements the compute provider on the coordinator host
// itself: instances are logical names and commands run through the local
// shell. It serves single-host deployments where verification still uses
// the VM dispatch path.
package localexec

import (
	"context"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/coordinator/compute"
)

var log = logrus.WithField("prefix", "localexec")

type command struct {
	state  compute.CommandState
	output string
	err    error
}

// Provider runs commands on the local host.
type Provider struct {
	lock      sync.Mutex
	instances map[string]bool // id -> started
	commands  map[string]*command
}

var _ compute.Provider = (*Provider)(nil)

// NewProvider returns an empty local provider.
func NewProvider() *Provider {
	return &Provider{
		instances: make(map[string]bool),
		commands:  make(map[string]*command),
	}
}

// CreateInstance registers a logical instance. Disk sizing is ignored on the
// local host.
func (p *Provider) CreateInstance(_ context.Context, spec compute.InstanceSpec) (string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	id := "local-" + uuid.NewString()
	p.instances[id] = false
	log.WithField("instance", id).WithField("name", spec.Name).Debug("Created local instance")
	return id, nil
}

// StartInstance marks a logical instance as started.
func (p *Provider) StartInstance(_ context.Context, instanceID string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.instances[instanceID]; !ok {
		return compute.ErrNoSuchInstance
	}
	p.instances[instanceID] = true
	return nil
}

// StopInstance marks a logical instance as stopped.
func (p *Provider) StopInstance(_ context.Context, instanceID string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.instances[instanceID]; !ok {
		return compute.ErrNoSuchInstance
	}
	p.instances[instanceID] = false
	return nil
}

// TerminateInstance removes a logical instance.
func (p *Provider) TerminateInstance(_ context.Context, instanceID string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.instances[instanceID]; !ok {
		return compute.ErrNoSuchInstance
	}
	delete(p.instances, instanceID)
	return nil
}

// RunCommand starts the command through the local shell and tracks its
// completion asynchronously.
func (p *Provider) RunCommand(ctx context.Context, instanceID, cmdline string) (string, error) {
	p.lock.Lock()
	started, ok := p.instances[instanceID]
	if !ok {
		p.lock.Unlock()
		return "", compute.ErrNoSuchInstance
	}
	if !started {
		p.lock.Unlock()
		return "", errors.Errorf("instance %s is not running", instanceID)
	}
	id := uuid.NewString()
	c := &command{state: compute.CommandRunning}
	p.commands[id] = c
	p.lock.Unlock()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline) // #nosec G204 -- command built by the verifier, not callers.
	go func() {
		out, err := cmd.CombinedOutput()
		p.lock.Lock()
		defer p.lock.Unlock()
		c.output = string(out)
		c.err = err
		if err != nil {
			c.state = compute.CommandFailed
			return
		}
		c.state = compute.CommandSucceeded
	}()
	return id, nil
}

// CommandStatus reports the state of a previously started command.
func (p *Provider) CommandStatus(_ context.Context, commandID string) (compute.CommandState, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	c, ok := p.commands[commandID]
	if !ok {
		return "", compute.ErrNoSuchCommand
	}
	return c.state, nil
}

// CommandOutput returns the combined output of a finished command.
func (p *Provider) CommandOutput(_ context.Context, commandID string) (string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	c, ok := p.commands[commandID]
	if !ok {
		return "", compute.ErrNoSuchCommand
	}
	return c.output, nil
}
