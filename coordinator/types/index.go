package types

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// FinalZkeyIndex is the reserved index literal of a finalization zkey.
const FinalZkeyIndex = "final"

// GenesisZkeyIndex is the index of the setup-provided genesis zkey.
const GenesisZkeyIndex = "00000"

// zkeyIndexWidth is the zero-padded width of intermediate zkey indices.
const zkeyIndexWidth = 5

// FormatZkeyIndex renders a contribution sequence number as a zero-padded
// index, e.g. 1 -> "00001".
func FormatZkeyIndex(progress int64) string {
	return fmt.Sprintf("%0*d", zkeyIndexWidth, progress)
}

// ParseZkeyIndex is the inverse of FormatZkeyIndex. The "final" literal is
// rejected; callers check for it explicitly.
func ParseZkeyIndex(index string) (int64, error) {
	if len(index) != zkeyIndexWidth {
		return 0, errors.Errorf("malformed zkey index %q", index)
	}
	n, err := strconv.ParseInt(index, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed zkey index %q", index)
	}
	return n, nil
}

// BucketName returns the ceremony's artifact bucket name.
func BucketName(ceremonyPrefix, postfix string) string {
	return ceremonyPrefix + postfix
}

// PotStorageKey returns the storage key of the ceremony-wide powers of tau
// file.
func PotStorageKey(potFilename string) string {
	return "pot/" + potFilename
}

// R1csStorageKey returns the storage key of a circuit's R1CS file.
func R1csStorageKey(circuitPrefix string) string {
	return fmt.Sprintf("circuits/%s/%s.r1cs", circuitPrefix, circuitPrefix)
}

// WasmStorageKey returns the storage key of a circuit's witness generator.
func WasmStorageKey(circuitPrefix string) string {
	return fmt.Sprintf("circuits/%s/%s.wasm", circuitPrefix, circuitPrefix)
}

// ContributionStorageKey returns the storage key of a circuit's zkey at the
// given index ("00000" genesis, ascending, or "final").
func ContributionStorageKey(circuitPrefix, zkeyIndex string) string {
	return fmt.Sprintf("circuits/%s/contributions/%s_%s.zkey", circuitPrefix, circuitPrefix, zkeyIndex)
}

// TranscriptStorageKey returns the storage key of a verification transcript.
func TranscriptStorageKey(circuitPrefix, zkeyIndex, contributorID string) string {
	return fmt.Sprintf("circuits/%s/transcripts/%s_%s_%s_verification_transcript.log",
		circuitPrefix, circuitPrefix, zkeyIndex, contributorID)
}

// VkeyStorageKey returns the storage key of a circuit's verification key,
// produced at finalization.
func VkeyStorageKey(circuitPrefix string) string {
	return fmt.Sprintf("circuits/%s/%s_vkey.json", circuitPrefix, circuitPrefix)
}

// VerifierContractStorageKey returns the storage key of a circuit's Solidity
// verifier, produced at finalization.
func VerifierContractStorageKey(circuitPrefix string) string {
	return fmt.Sprintf("circuits/%s/%s_verifier.sol", circuitPrefix, circuitPrefix)
}
