package setup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/blob/filesystem"
	computetest "github.com/zkmpc/coordinator/coordinator/compute/testing"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	dbtest "github.com/zkmpc/coordinator/coordinator/db/testing"
	"github.com/zkmpc/coordinator/coordinator/types"
)

type setupFixture struct {
	svc     *Service
	db      iface.Database
	store   *filesystem.Store
	compute *computetest.MockProvider
	now     time.Time
}

func newSetupFixture(t *testing.T) *setupFixture {
	prev := params.Get()
	params.UseTestConfig()
	c := params.Get().Copy()
	c.Coordinators = []string{"carol"}
	params.Override(c)
	t.Cleanup(func() { params.Override(prev) })

	db := dbtest.SetupDB(t)
	store, err := filesystem.NewStore(t.TempDir(), []byte("test-key"))
	require.NoError(t, err)
	provider := computetest.NewMockProvider()

	f := &setupFixture{
		svc:     New(&Config{DB: db, BlobStore: store, Compute: provider}),
		db:      db,
		store:   store,
		compute: provider,
		now:     time.Date(2023, 5, 10, 12, 0, 0, 0, time.UTC),
	}
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *setupFixture) circuitInput(t *testing.T, prefix string, position int, mechanism types.VerificationMechanism) CircuitInput {
	dir := t.TempDir()
	in := CircuitInput{
		Prefix:           prefix,
		SequencePosition: position,
		FixedTimeWindow:  1800,
		Verification:     mechanism,
		PotPath:          filepath.Join(dir, prefix+".ptau"),
		R1csPath:         filepath.Join(dir, prefix+".r1cs"),
		WasmPath:         filepath.Join(dir, prefix+".wasm"),
		GenesisZkeyPath:  filepath.Join(dir, prefix+"_00000.zkey"),
	}
	for _, p := range []string{in.PotPath, in.R1csPath, in.WasmPath, in.GenesisZkeyPath} {
		require.NoError(t, os.WriteFile(p, []byte(prefix+" artifact"), 0600))
	}
	return in
}

func (f *setupFixture) ceremonyInput(t *testing.T, circuits ...CircuitInput) *CeremonyInput {
	return &CeremonyInput{
		Prefix:           "demo",
		Title:            "Demo ceremony",
		StartDate:        f.now.Add(time.Hour),
		EndDate:          f.now.Add(48 * time.Hour),
		TimeoutMechanism: types.TimeoutFixed,
		PenaltySeconds:   600,
		Circuits:         circuits,
	}
}

func TestSetupCeremony(t *testing.T) {
	f := newSetupFixture(t)
	ctx := context.Background()

	in := f.ceremonyInput(t,
		f.circuitInput(t, "small", 1, types.VerifyCF),
		f.circuitInput(t, "big", 2, types.VerifyVM),
	)
	ceremony, err := f.svc.SetupCeremony(ctx, "carol", in)
	require.NoError(t, err)
	assert.Equal(t, types.CeremonyScheduled, ceremony.State)
	assert.Equal(t, "carol", ceremony.CoordinatorID)

	stored, err := f.db.CeremonyByPrefix(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, ceremony.ID, stored.ID)

	circuits, err := f.db.Circuits(ctx, ceremony.ID)
	require.NoError(t, err)
	require.Equal(t, 2, len(circuits))
	assert.Equal(t, "small", circuits[0].Prefix)
	assert.True(t, circuits[0].ZKeySizeInBytes > 0)
	assert.Equal(t, "", circuits[0].Verification.VMInstanceID)
	assert.NotEqual(t, "", circuits[1].Verification.VMInstanceID)

	// The VM circuit got a provisioned and started instance.
	require.Equal(t, 1, len(f.compute.CreatedInstances))
	assert.Equal(t, "demo-big-verifier", f.compute.CreatedInstances[0].Name)
	assert.Equal(t, 1, len(f.compute.StartedInstances))

	// Initial artifacts landed in the ceremony bucket.
	bucket := types.BucketName("demo", params.Get().CeremonyBucketPostfix)
	for _, key := range []string{
		types.PotStorageKey("small.ptau"),
		types.R1csStorageKey("small"),
		types.WasmStorageKey("small"),
		types.ContributionStorageKey("small", types.GenesisZkeyIndex),
	} {
		ok, err := f.store.ObjectExists(ctx, bucket, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
}

func TestSetupCeremony_RequiresAuthentication(t *testing.T) {
	f := newSetupFixture(t)
	in := f.ceremonyInput(t, f.circuitInput(t, "small", 1, types.VerifyCF))
	_, err := f.svc.SetupCeremony(context.Background(), "", in)
	assert.True(t, api.IsCode(err, api.Unauthenticated))
}

func TestSetupCeremony_RequiresCoordinatorCapability(t *testing.T) {
	f := newSetupFixture(t)
	ctx := context.Background()

	// alice is authenticated but not on the coordinator list.
	in := f.ceremonyInput(t, f.circuitInput(t, "small", 1, types.VerifyCF))
	_, err := f.svc.SetupCeremony(ctx, "alice", in)
	assert.True(t, api.IsCode(err, api.Forbidden))

	// Nothing was provisioned for the rejected call.
	_, err = f.db.CeremonyByPrefix(ctx, "demo")
	assert.ErrorIs(t, err, iface.ErrNotFound)
	assert.Equal(t, 0, len(f.compute.CreatedInstances))
}

func TestSetupCeremony_ValidationFailures(t *testing.T) {
	f := newSetupFixture(t)
	ctx := context.Background()

	valid := func() *CeremonyInput {
		return f.ceremonyInput(t, f.circuitInput(t, "small", 1, types.VerifyCF))
	}

	cases := []struct {
		name   string
		mutate func(in *CeremonyInput)
	}{
		{"empty prefix", func(in *CeremonyInput) { in.Prefix = "" }},
		{"start date in the past", func(in *CeremonyInput) { in.StartDate = f.now.Add(-time.Hour) }},
		{"end before start", func(in *CeremonyInput) { in.EndDate = in.StartDate.Add(-time.Hour) }},
		{"unknown timeout mechanism", func(in *CeremonyInput) { in.TimeoutMechanism = "SOMETIMES" }},
		{"non-positive penalty", func(in *CeremonyInput) { in.PenaltySeconds = 0 }},
		{"no circuits", func(in *CeremonyInput) { in.Circuits = nil }},
		{"empty circuit prefix", func(in *CeremonyInput) { in.Circuits[0].Prefix = "" }},
		{"missing fixed window", func(in *CeremonyInput) { in.Circuits[0].FixedTimeWindow = 0 }},
		{"unknown verification mechanism", func(in *CeremonyInput) { in.Circuits[0].Verification = "GPU" }},
		{"missing artifact", func(in *CeremonyInput) { in.Circuits[0].PotPath = "/does/not/exist.ptau" }},
		{"positions not 1..N", func(in *CeremonyInput) { in.Circuits[0].SequencePosition = 2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid()
			tc.mutate(in)
			_, err := f.svc.SetupCeremony(ctx, "carol", in)
			require.Error(t, err)
			assert.True(t, api.IsCode(err, api.InvalidInput), "want INVALID_INPUT, got %v", err)
		})
	}
}

func TestSetupCeremony_DuplicatePrefix(t *testing.T) {
	f := newSetupFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetupCeremony(ctx, "carol",
		f.ceremonyInput(t, f.circuitInput(t, "small", 1, types.VerifyCF)))
	require.NoError(t, err)

	_, err = f.svc.SetupCeremony(ctx, "carol",
		f.ceremonyInput(t, f.circuitInput(t, "other", 1, types.VerifyCF)))
	assert.True(t, api.IsCode(err, api.Conflict))
}

func TestSetupCeremony_DynamicMechanismNeedsNoWindow(t *testing.T) {
	f := newSetupFixture(t)
	ctx := context.Background()

	circuit := f.circuitInput(t, "small", 1, types.VerifyCF)
	circuit.FixedTimeWindow = 0
	in := f.ceremonyInput(t, circuit)
	in.TimeoutMechanism = types.TimeoutDynamic
	in.DynamicTimeoutMultiplier = 3

	ceremony, err := f.svc.SetupCeremony(ctx, "carol", in)
	require.NoError(t, err)
	assert.Equal(t, types.TimeoutDynamic, ceremony.TimeoutMechanism)
	assert.Equal(t, float64(3), ceremony.DynamicTimeoutMultiplier)
}
