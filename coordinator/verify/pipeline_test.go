package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/blob/filesystem"
	"github.com/zkmpc/coordinator/coordinator/compute"
	computetest "github.com/zkmpc/coordinator/coordinator/compute/testing"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	dbtest "github.com/zkmpc/coordinator/coordinator/db/testing"
	"github.com/zkmpc/coordinator/coordinator/scheduler"
	"github.com/zkmpc/coordinator/coordinator/types"
	zkeytest "github.com/zkmpc/coordinator/coordinator/zkey/testing"
)

type verifyFixture struct {
	svc     *Service
	db      iface.Database
	store   *filesystem.Store
	engine  *zkeytest.FakeEngine
	compute *computetest.MockProvider
	bucket  string
}

// setupVerify seeds a circuit whose current contributor alice sits at the
// VERIFYING step with her zkey already uploaded.
func setupVerify(t *testing.T) *verifyFixture {
	prev := params.Get()
	params.UseTestConfig()
	t.Cleanup(func() { params.Override(prev) })

	ctx := context.Background()
	db := dbtest.SetupDB(t)
	store, err := filesystem.NewStore(t.TempDir(), []byte("test-key"))
	require.NoError(t, err)
	engine := zkeytest.NewFakeEngine()
	provider := computetest.NewMockProvider()
	stateFeed := new(event.Feed)
	sched := scheduler.New(ctx, &scheduler.Config{DB: db, BlobStore: store, StateFeed: stateFeed})

	require.NoError(t, db.SaveCeremony(ctx, &types.Ceremony{
		ID: "c1", Prefix: "demo", State: types.CeremonyOpened, PenaltySeconds: 600,
	}))
	require.NoError(t, db.SaveCircuit(ctx, &types.Circuit{
		CeremonyID:       "c1",
		ID:               "small",
		SequencePosition: 1,
		Prefix:           "small",
		WaitingQueue: types.WaitingQueue{
			Contributors:       []string{"alice", "bob"},
			CurrentContributor: "alice",
		},
		Verification: types.VerificationConfig{Mechanism: types.VerifyCF},
		Files: types.CircuitFiles{
			PotStoragePath:         types.PotStorageKey("small.ptau"),
			GenesisZkeyStoragePath: types.ContributionStorageKey("small", "00000"),
		},
	}))
	require.NoError(t, db.SaveParticipant(ctx, &types.Participant{
		CeremonyID:           "c1",
		UserID:               "alice",
		Status:               types.StatusContributing,
		ContributionStep:     types.StepVerifying,
		ContributionProgress: 1,
		TempContributionData: types.TempContributionData{ContributionComputationTime: 4000},
	}))
	require.NoError(t, db.SaveParticipant(ctx, &types.Participant{
		CeremonyID: "c1", UserID: "bob", Status: types.StatusReady, ContributionProgress: 1,
	}))

	bucket := types.BucketName("demo", params.Get().CeremonyBucketPostfix)
	require.NoError(t, store.CreateBucket(ctx, bucket))
	for key, content := range map[string]string{
		types.ContributionStorageKey("small", "00000"): "genesis zkey",
		types.ContributionStorageKey("small", "00001"): "alice zkey",
		types.PotStorageKey("small.ptau"):              "powers of tau",
	} {
		src := filepath.Join(t.TempDir(), "artifact")
		require.NoError(t, os.WriteFile(src, []byte(content), 0600))
		require.NoError(t, store.UploadObject(ctx, bucket, key, src))
	}

	svc := New(ctx, &Config{
		DB:        db,
		BlobStore: store,
		Engine:    engine,
		Compute:   provider,
		Scheduler: sched,
		StateFeed: stateFeed,
		WorkDir:   t.TempDir(),
	})
	return &verifyFixture{svc: svc, db: db, store: store, engine: engine, compute: provider, bucket: bucket}
}

func TestVerify_ValidContribution(t *testing.T) {
	f := setupVerify(t)
	ctx := context.Background()

	contribution, err := f.svc.Verify(ctx, "c1", "small", "alice")
	require.NoError(t, err)
	assert.True(t, contribution.Valid)
	assert.Equal(t, "00001", contribution.ZkeyIndex)
	assert.Equal(t, int64(4000), contribution.ContributionComputationTime)
	assert.NotEqual(t, "", contribution.Files.LastZkeyBlake2bHash)
	assert.NotEqual(t, "", contribution.Files.TranscriptBlake2bHash)
	assert.Equal(t, 1, f.engine.VerifyCalls)

	// The transcript was archived next to the contribution.
	ok, err := f.store.ObjectExists(ctx, f.bucket, types.TranscriptStorageKey("small", "00001", "alice"))
	require.NoError(t, err)
	assert.True(t, ok)

	// The verdict, counters, and baton moved in one batch.
	circuit, err := f.db.Circuit(ctx, "c1", "small")
	require.NoError(t, err)
	assert.Equal(t, int64(1), circuit.WaitingQueue.CompletedContributions)
	assert.Equal(t, "bob", circuit.WaitingQueue.CurrentContributor)
	assert.True(t, circuit.AvgTimings.FullContribution > 0)
	assert.Equal(t, int64(4000), circuit.AvgTimings.ContributionComputation)

	alice, err := f.db.Participant(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, alice.Status)
	require.Equal(t, 1, len(alice.Contributions))
	assert.Equal(t, contribution.ID, alice.Contributions[0])

	bob, err := f.db.Participant(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, types.StatusContributing, bob.Status)
}

func TestVerify_InvalidContribution(t *testing.T) {
	f := setupVerify(t)
	f.engine.Valid = false
	ctx := context.Background()

	contribution, err := f.svc.Verify(ctx, "c1", "small", "alice")
	require.NoError(t, err)
	assert.False(t, contribution.Valid)

	circuit, err := f.db.Circuit(ctx, "c1", "small")
	require.NoError(t, err)
	assert.Equal(t, int64(0), circuit.WaitingQueue.CompletedContributions)
	assert.Equal(t, int64(1), circuit.WaitingQueue.FailedContributions)
	// Invalid contributions never move the running means.
	assert.Equal(t, types.AvgTimings{}, circuit.AvgTimings)

	// Counters stay in step with the recorded documents.
	contributions, err := f.db.ContributionsByCircuit(ctx, "c1", "small")
	require.NoError(t, err)
	assert.Equal(t, 1, len(contributions))
}

func TestVerify_EngineFailureTimesOutParticipant(t *testing.T) {
	f := setupVerify(t)
	f.engine.Err = assert.AnError
	ctx := context.Background()

	_, err := f.svc.Verify(ctx, "c1", "small", "alice")
	require.Error(t, err)
	assert.True(t, api.IsCode(err, api.UpstreamUnavailable))

	alice, err := f.db.Participant(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StatusTimedOut, alice.Status)

	timeouts, err := f.db.Timeouts(ctx, "c1", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, len(timeouts))
	assert.Equal(t, types.TimeoutBlockingVerification, timeouts[0].Type)

	circuit, err := f.db.Circuit(ctx, "c1", "small")
	require.NoError(t, err)
	assert.Equal(t, int64(1), circuit.WaitingQueue.FailedContributions)
	assert.Equal(t, "bob", circuit.WaitingQueue.CurrentContributor)

	contributions, err := f.db.ContributionsByCircuit(ctx, "c1", "small")
	require.NoError(t, err)
	require.Equal(t, 1, len(contributions))
	assert.False(t, contributions[0].Valid)
}

// stalledEngine never finishes before the verification deadline.
type stalledEngine struct {
	*zkeytest.FakeEngine
}

func (e *stalledEngine) VerifyFromInit(ctx context.Context, _, _, _, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestVerify_DeadlineExpiryStillRecordsFailure(t *testing.T) {
	f := setupVerify(t)
	c := params.Get().Copy()
	c.VerificationTimeoutSeconds = 1
	params.Override(c)
	f.svc.cfg.Engine = &stalledEngine{FakeEngine: f.engine}
	ctx := context.Background()

	_, err := f.svc.Verify(ctx, "c1", "small", "alice")
	require.Error(t, err)
	assert.True(t, api.IsCode(err, api.DeadlineExceeded))

	// The expired deadline must not cancel its own failure record: alice is
	// timed out, the attempt is on the books, and the baton moved on.
	alice, err := f.db.Participant(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StatusTimedOut, alice.Status)

	timeouts, err := f.db.Timeouts(ctx, "c1", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, len(timeouts))
	assert.Equal(t, types.TimeoutBlockingVerification, timeouts[0].Type)

	circuit, err := f.db.Circuit(ctx, "c1", "small")
	require.NoError(t, err)
	assert.Equal(t, int64(1), circuit.WaitingQueue.FailedContributions)
	assert.Equal(t, "bob", circuit.WaitingQueue.CurrentContributor)

	contributions, err := f.db.ContributionsByCircuit(ctx, "c1", "small")
	require.NoError(t, err)
	require.Equal(t, 1, len(contributions))
	assert.False(t, contributions[0].Valid)
}

func TestVerify_Preconditions(t *testing.T) {
	f := setupVerify(t)
	ctx := context.Background()

	_, err := f.svc.Verify(ctx, "missing", "small", "alice")
	assert.True(t, api.IsCode(err, api.NotFound))

	_, err = f.svc.Verify(ctx, "c1", "small", "bob")
	assert.True(t, api.IsCode(err, api.PreconditionFailed))

	alice, err := f.db.Participant(ctx, "c1", "alice")
	require.NoError(t, err)
	alice.ContributionStep = types.StepUploading
	require.NoError(t, f.db.SaveParticipant(ctx, alice))
	_, err = f.svc.Verify(ctx, "c1", "small", "alice")
	assert.True(t, api.IsCode(err, api.PreconditionFailed))
}

func TestVerify_VMMechanism(t *testing.T) {
	f := setupVerify(t)
	ctx := context.Background()

	circuit, err := f.db.Circuit(ctx, "c1", "small")
	require.NoError(t, err)
	circuit.Verification = types.VerificationConfig{Mechanism: types.VerifyVM, VMInstanceID: "vm-1"}
	require.NoError(t, f.db.SaveCircuit(ctx, circuit))
	f.compute.NextCommandOutput = "remote verification transcript"

	contribution, err := f.svc.Verify(ctx, "c1", "small", "alice")
	require.NoError(t, err)
	assert.True(t, contribution.Valid)

	require.Equal(t, 1, len(f.compute.RanCommands))
	assert.Equal(t,
		"ceremony-verify --bucket "+f.bucket+" --circuit-prefix small --zkey-index 00001",
		f.compute.RanCommands[0])

	// The command output became the archived transcript.
	signed, err := f.store.SignGetObjectURL(ctx, f.bucket, types.TranscriptStorageKey("small", "00001", "alice"))
	require.NoError(t, err)
	rc, err := f.store.Get(signed.URL)
	require.NoError(t, err)
	defer func() { require.NoError(t, rc.Close()) }()
	buf := make([]byte, 64)
	n, _ := rc.Read(buf)
	assert.Equal(t, "remote verification transcript", string(buf[:n]))
}

func TestVerify_VMCommandFailed(t *testing.T) {
	f := setupVerify(t)
	ctx := context.Background()

	circuit, err := f.db.Circuit(ctx, "c1", "small")
	require.NoError(t, err)
	circuit.Verification = types.VerificationConfig{Mechanism: types.VerifyVM, VMInstanceID: "vm-1"}
	require.NoError(t, f.db.SaveCircuit(ctx, circuit))
	f.compute.NextCommandState = compute.CommandFailed
	f.compute.NextCommandOutput = "verification rejected the zkey"

	contribution, err := f.svc.Verify(ctx, "c1", "small", "alice")
	require.NoError(t, err)
	assert.False(t, contribution.Valid)
}

func TestUpdateAvgTimings(t *testing.T) {
	circuit := &types.Circuit{}

	updateAvgTimings(circuit, &types.Contribution{Valid: false, ContributionComputationTime: 100})
	assert.Equal(t, types.AvgTimings{}, circuit.AvgTimings)

	updateAvgTimings(circuit, &types.Contribution{
		Valid: true, ContributionComputationTime: 100, VerificationComputationTime: 50,
	})
	assert.Equal(t, int64(100), circuit.AvgTimings.ContributionComputation)
	assert.Equal(t, int64(50), circuit.AvgTimings.VerifyCloudFunction)
	assert.Equal(t, int64(150), circuit.AvgTimings.FullContribution)

	updateAvgTimings(circuit, &types.Contribution{
		Valid: true, ContributionComputationTime: 200, VerificationComputationTime: 150,
	})
	assert.Equal(t, int64(150), circuit.AvgTimings.ContributionComputation)
	assert.Equal(t, int64(100), circuit.AvgTimings.VerifyCloudFunction)
	assert.Equal(t, int64(250), circuit.AvgTimings.FullContribution)

	// A zero timing leaves the mean untouched.
	updateAvgTimings(circuit, &types.Contribution{Valid: true})
	assert.Equal(t, int64(150), circuit.AvgTimings.ContributionComputation)
}

func TestVMVerifyCommand(t *testing.T) {
	circuit := &types.Circuit{Prefix: "small"}
	assert.Equal(t,
		"ceremony-verify --bucket demo-ph2-ceremony --circuit-prefix small --zkey-index 00003",
		vmVerifyCommand("demo-ph2-ceremony", circuit, "00003"))
}
