// Package compute abstracts the VM provider used for remote contribution
// verification. Instances are dedicated per circuit and live from ceremony
// setup to finalization.
package compute

import (
	"context"
	"math"

	"github.com/pkg/errors"
)

// CommandState reports the lifecycle of a remote command.
type CommandState string

// Valid command states.
const (
	CommandPending   CommandState = "PENDING"
	CommandRunning   CommandState = "RUNNING"
	CommandSucceeded CommandState = "SUCCEEDED"
	CommandFailed    CommandState = "FAILED"
)

// ErrNoSuchInstance is returned when an instance id is unknown.
var ErrNoSuchInstance = errors.New("no such compute instance")

// ErrNoSuchCommand is returned when a command id is unknown.
var ErrNoSuchCommand = errors.New("no such command")

// InstanceSpec describes the instance to provision for one circuit.
type InstanceSpec struct {
	Name       string
	DiskSizeGB int64
}

// Provider provisions and drives verification VMs.
type Provider interface {
	CreateInstance(ctx context.Context, spec InstanceSpec) (string, error)
	StartInstance(ctx context.Context, instanceID string) error
	StopInstance(ctx context.Context, instanceID string) error
	TerminateInstance(ctx context.Context, instanceID string) error
	// RunCommand starts a shell command on the instance and returns a
	// command id to poll.
	RunCommand(ctx context.Context, instanceID, command string) (string, error)
	CommandStatus(ctx context.Context, commandID string) (CommandState, error)
	CommandOutput(ctx context.Context, commandID string) (string, error)
}

// DiskSizeGB sizes a verification VM disk for a circuit: twice the zkey plus
// the powers of tau file, rounded up, plus headroom for the OS image.
func DiskSizeGB(zkeySizeBytes, potSizeBytes int64) int64 {
	const gb = float64(1 << 30)
	return int64(math.Ceil(2*float64(zkeySizeBytes)/gb+float64(potSizeBytes)/gb)) + 8
}
