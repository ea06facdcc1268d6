// Package testing provides a scriptable zkey engine for unit tests.
package testing

import (
	"context"
	"os"
	"sync"

	"github.com/zkmpc/coordinator/coordinator/zkey"
)

// FakeEngine writes deterministic artifacts and returns scripted verdicts.
type FakeEngine struct {
	lock sync.Mutex

	// Valid is the verdict VerifyFromInit returns.
	Valid bool
	// Err, when set, is returned by every call.
	Err error

	VerifyCalls  int
	BeaconCalls  int
	ExportCalls  int
	LastVerified string
}

var _ zkey.Engine = (*FakeEngine)(nil)

// NewFakeEngine returns an engine that accepts every contribution.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{Valid: true}
}

// VerifyFromInit returns the scripted verdict and writes a fixed transcript.
func (f *FakeEngine) VerifyFromInit(_ context.Context, _, _, lastZkeyPath, transcriptPath string) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	f.VerifyCalls++
	f.LastVerified = lastZkeyPath
	if err := os.WriteFile(transcriptPath, []byte("fake verification transcript\n"), 0600); err != nil {
		return false, err
	}
	return f.Valid, nil
}

// Contribute copies the previous zkey forward.
func (f *FakeEngine) Contribute(_ context.Context, lastZkeyPath, outPath, _ string) error {
	if f.Err != nil {
		return f.Err
	}
	data, err := os.ReadFile(lastZkeyPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, append(data, []byte(" contributed")...), 0600)
}

// Beacon copies the previous zkey forward as the final one.
func (f *FakeEngine) Beacon(_ context.Context, lastZkeyPath, _ string, outPath, _ string, _ int) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.BeaconCalls++
	data, err := os.ReadFile(lastZkeyPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, append(data, []byte(" beacon")...), 0600)
}

// ExportVerificationKey writes a fixed vkey file.
func (f *FakeEngine) ExportVerificationKey(_ context.Context, _, vkeyOutPath string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.ExportCalls++
	return os.WriteFile(vkeyOutPath, []byte(`{"protocol":"groth16"}`), 0600)
}

// ExportSolidityVerifier writes a fixed verifier contract.
func (f *FakeEngine) ExportSolidityVerifier(_ context.Context, _, solOutPath string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.ExportCalls++
	return os.WriteFile(solOutPath, []byte("// SPDX-License-Identifier: GPL-3.0\npragma solidity 0.8.0;\n"), 0600)
}
