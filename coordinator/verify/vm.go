package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/compute"
	"github.com/zkmpc/coordinator/coordinator/types"
	"github.com/zkmpc/coordinator/io/file"
)

// vmVerifyCommand builds the shell command executed on a circuit's dedicated
// instance. The instance image carries the verification script and bucket
// credentials; the command only names the artifacts to check.
func vmVerifyCommand(bucket string, circuit *types.Circuit, zkeyIndex string) string {
	return fmt.Sprintf("ceremony-verify --bucket %s --circuit-prefix %s --zkey-index %s",
		bucket, circuit.Prefix, zkeyIndex)
}

// verifyOnVM dispatches verification to the circuit's instance and polls the
// command until it settles. The command's output is the verification
// transcript and is written to transcriptPath either way.
func (s *Service) verifyOnVM(ctx context.Context, bucket string, circuit *types.Circuit, zkeyIndex, transcriptPath string) (bool, error) {
	instanceID := circuit.Verification.VMInstanceID
	if instanceID == "" {
		return false, errors.Errorf("circuit %s has no verification instance", circuit.ID)
	}
	cmdID, err := s.cfg.Compute.RunCommand(ctx, instanceID, vmVerifyCommand(bucket, circuit, zkeyIndex))
	if err != nil {
		return false, errors.Wrapf(err, "could not start verification on instance %s", instanceID)
	}
	log.WithFields(logrus.Fields{
		"instance": instanceID,
		"command":  cmdID,
		"circuit":  circuit.ID,
	}).Debug("Dispatched verification command")

	ticker := time.NewTicker(params.Get().VMPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			state, err := s.cfg.Compute.CommandStatus(ctx, cmdID)
			if err != nil {
				return false, errors.Wrapf(err, "could not poll command %s", cmdID)
			}
			switch state {
			case compute.CommandPending, compute.CommandRunning:
				continue
			case compute.CommandSucceeded, compute.CommandFailed:
				out, err := s.cfg.Compute.CommandOutput(ctx, cmdID)
				if err != nil {
					return false, errors.Wrapf(err, "could not read output of command %s", cmdID)
				}
				if err := file.WriteFile(transcriptPath, []byte(out)); err != nil {
					return false, err
				}
				return state == compute.CommandSucceeded, nil
			default:
				return false, errors.Errorf("command %s settled in unknown state %s", cmdID, state)
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
