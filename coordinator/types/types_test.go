package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatZkeyIndex(t *testing.T) {
	assert.Equal(t, "00000", FormatZkeyIndex(0))
	assert.Equal(t, "00001", FormatZkeyIndex(1))
	assert.Equal(t, "00042", FormatZkeyIndex(42))
	assert.Equal(t, "12345", FormatZkeyIndex(12345))
}

func TestParseZkeyIndex(t *testing.T) {
	n, err := ParseZkeyIndex("00007")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = ParseZkeyIndex("7")
	require.Error(t, err)
	_, err = ParseZkeyIndex(FinalZkeyIndex)
	require.Error(t, err)
}

func TestStorageKeys(t *testing.T) {
	assert.Equal(t, "circuits/small/contributions/small_00001.zkey",
		ContributionStorageKey("small", "00001"))
	assert.Equal(t, "circuits/small/contributions/small_final.zkey",
		ContributionStorageKey("small", FinalZkeyIndex))
	assert.Equal(t, "circuits/small/transcripts/small_00001_alice_verification_transcript.log",
		TranscriptStorageKey("small", "00001", "alice"))
	assert.Equal(t, "circuits/small/small_vkey.json", VkeyStorageKey("small"))
	assert.Equal(t, "circuits/small/small_verifier.sol", VerifierContractStorageKey("small"))
	assert.Equal(t, "pot/final.ptau", PotStorageKey("final.ptau"))
	assert.Equal(t, "demo-ph2-ceremony", BucketName("demo", "-ph2-ceremony"))
}

func TestWaitingQueue_Invariant(t *testing.T) {
	q := &WaitingQueue{}
	assert.Equal(t, "", q.Head())
	assert.True(t, q.CheckInvariant())

	q.Contributors = []string{"alice", "bob"}
	q.CurrentContributor = "alice"
	assert.Equal(t, "alice", q.Head())
	assert.True(t, q.Contains("bob"))
	assert.False(t, q.Contains("carol"))
	assert.True(t, q.CheckInvariant())

	// Head and current contributor out of step.
	q.CurrentContributor = "bob"
	assert.False(t, q.CheckInvariant())

	// Empty queue must have no current contributor.
	q.Contributors = nil
	assert.False(t, q.CheckInvariant())
	q.CurrentContributor = ""
	assert.True(t, q.CheckInvariant())
}

func TestTimeout_ActiveBoundary(t *testing.T) {
	now := time.Now().UTC()
	timeout := &Timeout{EndDate: now}
	// A window ending exactly now counts as expired.
	assert.False(t, timeout.Active(now))
	assert.True(t, timeout.Active(now.Add(-time.Second)))
	assert.False(t, timeout.Active(now.Add(time.Second)))
}

func TestStepOrdering(t *testing.T) {
	assert.Equal(t, StepComputing, NextStep(StepDownloading))
	assert.Equal(t, StepCompleted, NextStep(StepVerifying))
	assert.Equal(t, StepCompleted, NextStep(StepCompleted))
	assert.True(t, StepRank(StepDownloading) < StepRank(StepCompleted))
	assert.Equal(t, -1, StepRank(ContributionStep("BOGUS")))
}
