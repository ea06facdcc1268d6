// Package zkey abstracts the cryptographic MPC operations over zkeys. The
// coordinator never interprets zkey contents; it moves files and invokes an
// Engine.
package zkey

import "context"

// Engine is the opaque cryptographic backend of the ceremony.
type Engine interface {
	// VerifyFromInit checks the last zkey against the genesis zkey and the
	// powers of tau file, writing the verification transcript to
	// transcriptPath. It returns whether the contribution chain is valid.
	VerifyFromInit(ctx context.Context, genesisZkeyPath, potPath, lastZkeyPath, transcriptPath string) (bool, error)
	// Contribute derives a new zkey from the previous one using the given
	// entropy.
	Contribute(ctx context.Context, lastZkeyPath, outPath, entropy string) error
	// Beacon applies the final public randomness to the last zkey.
	Beacon(ctx context.Context, lastZkeyPath, potPath, outPath, beaconHash string, numIterationsExp int) error
	// ExportVerificationKey writes the verification key JSON for a final
	// zkey.
	ExportVerificationKey(ctx context.Context, zkeyPath, vkeyOutPath string) error
	// ExportSolidityVerifier writes the Solidity verifier contract for a
	// final zkey.
	ExportSolidityVerifier(ctx context.Context, zkeyPath, solOutPath string) error
}
