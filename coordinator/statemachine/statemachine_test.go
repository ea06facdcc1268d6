package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/types"
)

func openedCeremony() *types.Ceremony {
	return &types.Ceremony{
		ID:    "c1",
		State: types.CeremonyOpened,
	}
}

func TestJoin_FirstRegistration(t *testing.T) {
	now := time.Now().UTC()
	p, err := Join(openedCeremony(), nil, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, p.Status)
	assert.Equal(t, 0, p.ContributionProgress)
	assert.Equal(t, types.StepDownloading, p.ContributionStep)
}

func TestJoin_CeremonyNotOpened(t *testing.T) {
	ceremony := openedCeremony()
	ceremony.State = types.CeremonyScheduled
	_, err := Join(ceremony, nil, "alice", time.Now().UTC())
	require.Error(t, err)
	assert.True(t, api.IsCode(err, api.PreconditionFailed))
}

func TestJoin_InFlightIsNoOp(t *testing.T) {
	for _, status := range []types.ParticipantStatus{
		types.StatusWaiting, types.StatusReady, types.StatusContributing,
	} {
		p := &types.Participant{UserID: "alice", Status: status}
		got, err := Join(openedCeremony(), p, "alice", time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, status, got.Status)
	}
}

func TestJoin_TimedOutMustResume(t *testing.T) {
	p := &types.Participant{UserID: "alice", Status: types.StatusTimedOut}
	_, err := Join(openedCeremony(), p, "alice", time.Now().UTC())
	require.Error(t, err)
	assert.True(t, api.IsCode(err, api.PreconditionFailed))
}

func TestMakeReady(t *testing.T) {
	p := &types.Participant{UserID: "alice", Status: types.StatusWaiting}
	require.NoError(t, MakeReady(p, false))
	assert.Equal(t, types.StatusReady, p.Status)

	exhumed := &types.Participant{UserID: "bob", Status: types.StatusExhumed}
	require.NoError(t, MakeReady(exhumed, false))
	assert.Equal(t, types.StatusReady, exhumed.Status)
}

func TestMakeReady_ActiveTimeoutBlocks(t *testing.T) {
	p := &types.Participant{UserID: "alice", Status: types.StatusWaiting}
	err := MakeReady(p, true)
	require.Error(t, err)
	assert.Equal(t, types.StatusWaiting, p.Status)
}

func TestGrantBaton_ResetsScratchState(t *testing.T) {
	now := time.Now().UTC()
	p := &types.Participant{
		UserID: "alice",
		Status: types.StatusReady,
		TempContributionData: types.TempContributionData{
			UploadID: "stale",
			Chunks:   []types.Chunk{{PartNumber: 1, ETag: "x"}},
		},
	}
	require.NoError(t, GrantBaton(p, now))
	assert.Equal(t, types.StatusContributing, p.Status)
	assert.Equal(t, types.StepDownloading, p.ContributionStep)
	assert.Equal(t, types.TempContributionData{}, p.TempContributionData)
	assert.Equal(t, now, p.ContributionStartedAt)
}

func TestGrantBaton_FromDoneFails(t *testing.T) {
	p := &types.Participant{UserID: "alice", Status: types.StatusDone}
	require.Error(t, GrantBaton(p, time.Now().UTC()))
}

func TestAdvanceStep_StrictlyMonotone(t *testing.T) {
	p := &types.Participant{
		UserID:           "alice",
		Status:           types.StatusContributing,
		ContributionStep: types.StepDownloading,
	}
	steps := []types.ContributionStep{
		types.StepComputing, types.StepUploading, types.StepVerifying, types.StepCompleted,
	}
	for _, want := range steps {
		require.NoError(t, AdvanceStep(p))
		assert.Equal(t, want, p.ContributionStep)
	}
	// Advancing past COMPLETED is a guard violation.
	err := AdvanceStep(p)
	require.Error(t, err)
	assert.True(t, api.IsCode(err, api.PreconditionFailed))
}

func TestTimeOut_ClearsScratchState(t *testing.T) {
	p := &types.Participant{
		UserID:               "alice",
		Status:               types.StatusContributing,
		TempContributionData: types.TempContributionData{UploadID: "u1"},
	}
	require.NoError(t, TimeOut(p))
	assert.Equal(t, types.StatusTimedOut, p.Status)
	assert.Equal(t, types.TempContributionData{}, p.TempContributionData)
}

func TestResumeAfterTimeout(t *testing.T) {
	now := time.Now().UTC()
	p := &types.Participant{UserID: "alice", Status: types.StatusTimedOut, ContributionProgress: 2}

	active := []*types.Timeout{{ParticipantID: "alice", EndDate: now.Add(time.Minute)}}
	err := ResumeAfterTimeout(p, active, now)
	require.Error(t, err)
	assert.Equal(t, types.StatusTimedOut, p.Status)

	expired := []*types.Timeout{{ParticipantID: "alice", EndDate: now}}
	require.NoError(t, ResumeAfterTimeout(p, expired, now))
	assert.Equal(t, types.StatusExhumed, p.Status)
	assert.Equal(t, 2, p.ContributionProgress)
}

func TestCompleteCircuit(t *testing.T) {
	p := &types.Participant{
		UserID:               "alice",
		Status:               types.StatusContributing,
		ContributionStep:     types.StepVerifying,
		ContributionProgress: 1,
	}
	require.NoError(t, CompleteCircuit(p, 2))
	assert.Equal(t, types.StatusWaiting, p.Status)
	assert.Equal(t, 2, p.ContributionProgress)
	assert.Equal(t, types.StepCompleted, p.ContributionStep)

	p.Status = types.StatusContributing
	require.NoError(t, CompleteCircuit(p, 2))
	assert.Equal(t, types.StatusDone, p.Status)
	assert.Equal(t, 3, p.ContributionProgress)
}

func TestCompleteCircuit_Finalizing(t *testing.T) {
	p := &types.Participant{
		UserID:               "alice",
		Status:               types.StatusFinalizing,
		ContributionProgress: 1,
	}
	require.NoError(t, CompleteCircuit(p, 3))
	assert.Equal(t, types.StatusFinalizing, p.Status)
	assert.Equal(t, 2, p.ContributionProgress)
}

func TestBeginFinalization(t *testing.T) {
	p := &types.Participant{UserID: "coord", Status: types.StatusDone, ContributionProgress: 3}
	require.NoError(t, BeginFinalization(p, 2))
	assert.Equal(t, types.StatusFinalizing, p.Status)
	assert.Equal(t, 1, p.ContributionProgress)

	short := &types.Participant{UserID: "coord", Status: types.StatusDone, ContributionProgress: 2}
	require.Error(t, BeginFinalization(short, 2))
}

func TestFinishFinalization(t *testing.T) {
	p := &types.Participant{UserID: "coord", Status: types.StatusFinalizing}
	require.NoError(t, FinishFinalization(p))
	assert.Equal(t, types.StatusFinalized, p.Status)
	require.Error(t, FinishFinalization(p))
}

func TestTickCeremony(t *testing.T) {
	start := time.Now().UTC()
	end := start.Add(time.Hour)
	c := &types.Ceremony{State: types.CeremonyScheduled, StartDate: start, EndDate: end}

	assert.False(t, TickCeremony(c, start.Add(-time.Second)))
	assert.Equal(t, types.CeremonyScheduled, c.State)

	// Transitions fire at exactly the trigger instant.
	assert.True(t, TickCeremony(c, start))
	assert.Equal(t, types.CeremonyOpened, c.State)

	assert.False(t, TickCeremony(c, end.Add(-time.Second)))
	assert.True(t, TickCeremony(c, end))
	assert.Equal(t, types.CeremonyClosed, c.State)
}

func TestFinalize(t *testing.T) {
	c := &types.Ceremony{ID: "c1", State: types.CeremonyClosed}
	require.NoError(t, Finalize(c))
	assert.Equal(t, types.CeremonyFinalized, c.State)

	open := &types.Ceremony{ID: "c2", State: types.CeremonyOpened}
	require.Error(t, Finalize(open))
}
