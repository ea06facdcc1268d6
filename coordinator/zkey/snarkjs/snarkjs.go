// Package snarkjs implements the zkey engine by shelling out to the snarkjs
// CLI, the reference implementation of the Groth16 phase 2 operations.
package snarkjs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/coordinator/zkey"
)

var log = logrus.WithField("prefix", "snarkjs")

// Engine drives the snarkjs binary.
type Engine struct {
	// Binary is the snarkjs executable; "snarkjs" on PATH by default.
	Binary string
}

var _ zkey.Engine = (*Engine)(nil)

// NewEngine returns an engine using the snarkjs binary on PATH.
func NewEngine() *Engine {
	return &Engine{Binary: "snarkjs"}
}

func (e *Engine) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, e.Binary, args...) // #nosec G204 -- args are coordinator-built paths.
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	log.WithField("args", strings.Join(args, " ")).Debug("Running snarkjs")
	err := cmd.Run()
	return out.String(), err
}

// VerifyFromInit runs `snarkjs zkey verify` and archives its output as the
// transcript. A crypto rejection is a clean false, not an error.
func (e *Engine) VerifyFromInit(ctx context.Context, genesisZkeyPath, potPath, lastZkeyPath, transcriptPath string) (bool, error) {
	out, err := e.run(ctx, "zkey", "verify", genesisZkeyPath, potPath, lastZkeyPath)
	if werr := os.WriteFile(transcriptPath, []byte(out), 0600); werr != nil {
		return false, errors.Wrap(werr, "could not write verification transcript")
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// snarkjs exits non-zero on an invalid contribution chain.
			return false, nil
		}
		return false, errors.Wrap(err, "could not run snarkjs verify")
	}
	return strings.Contains(out, "ZKey Ok!"), nil
}

// Contribute runs `snarkjs zkey contribute` with the supplied entropy.
func (e *Engine) Contribute(ctx context.Context, lastZkeyPath, outPath, entropy string) error {
	_, err := e.run(ctx, "zkey", "contribute", lastZkeyPath, outPath, fmt.Sprintf("-e=%s", entropy))
	return errors.Wrap(err, "could not run snarkjs contribute")
}

// Beacon runs `snarkjs zkey beacon` with the final public randomness.
func (e *Engine) Beacon(ctx context.Context, lastZkeyPath, _ string, outPath, beaconHash string, numIterationsExp int) error {
	_, err := e.run(ctx, "zkey", "beacon", lastZkeyPath, outPath, beaconHash, fmt.Sprintf("%d", numIterationsExp))
	return errors.Wrap(err, "could not run snarkjs beacon")
}

// ExportVerificationKey runs `snarkjs zkey export verificationkey`.
func (e *Engine) ExportVerificationKey(ctx context.Context, zkeyPath, vkeyOutPath string) error {
	_, err := e.run(ctx, "zkey", "export", "verificationkey", zkeyPath, vkeyOutPath)
	return errors.Wrap(err, "could not export verification key")
}

// ExportSolidityVerifier runs `snarkjs zkey export solidityverifier`.
func (e *Engine) ExportSolidityVerifier(ctx context.Context, zkeyPath, solOutPath string) error {
	_, err := e.run(ctx, "zkey", "export", "solidityverifier", zkeyPath, solOutPath)
	return errors.Wrap(err, "could not export solidity verifier")
}
