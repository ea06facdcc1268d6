package kv

import (
	"context"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/types"
)

func setupDB(t testing.TB) *Store {
	db, err := NewKVStore(context.Background(), t.TempDir())
	require.NoError(t, err, "Failed to instantiate DB")
	t.Cleanup(func() {
		require.NoError(t, db.Close(), "Failed to close database")
	})
	return db
}

func TestStore_CeremonyCRUD(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	_, err := db.Ceremony(ctx, "missing")
	assert.ErrorIs(t, err, iface.ErrNotFound)

	ceremony := &types.Ceremony{
		ID:     "c1",
		Prefix: "demo",
		Title:  "Demo ceremony",
		State:  types.CeremonyScheduled,
	}
	require.NoError(t, db.SaveCeremony(ctx, ceremony))

	got, err := db.Ceremony(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Prefix)
	assert.False(t, got.LastUpdated.IsZero())

	byPrefix, err := db.CeremonyByPrefix(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "c1", byPrefix.ID)

	_, err = db.CeremonyByPrefix(ctx, "other")
	assert.ErrorIs(t, err, iface.ErrNotFound)

	all, err := db.Ceremonies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, len(all))
}

func TestStore_CeremonyPrefixUniqueness(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCeremony(ctx, &types.Ceremony{ID: "c1", Prefix: "demo"}))

	// A different ceremony may not claim the same prefix.
	err := db.SaveCeremony(ctx, &types.Ceremony{ID: "c2", Prefix: "demo"})
	assert.ErrorIs(t, err, iface.ErrDuplicate)

	// Re-saving the same ceremony is fine.
	require.NoError(t, db.SaveCeremony(ctx, &types.Ceremony{ID: "c1", Prefix: "demo", State: types.CeremonyOpened}))
	got, err := db.Ceremony(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.CeremonyOpened, got.State)
}

func TestStore_CircuitsOrderedBySequencePosition(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	for _, c := range []*types.Circuit{
		{CeremonyID: "c1", ID: "big", SequencePosition: 2, Prefix: "big"},
		{CeremonyID: "c1", ID: "small", SequencePosition: 1, Prefix: "small"},
		{CeremonyID: "c2", ID: "other", SequencePosition: 1, Prefix: "other"},
	} {
		require.NoError(t, db.SaveCircuit(ctx, c))
	}

	circuits, err := db.Circuits(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, len(circuits))
	assert.Equal(t, "small", circuits[0].ID)
	assert.Equal(t, "big", circuits[1].ID)

	got, err := db.Circuit(ctx, "c1", "big")
	require.NoError(t, err)
	assert.Equal(t, 2, got.SequencePosition)

	_, err = db.Circuit(ctx, "c1", "missing")
	assert.ErrorIs(t, err, iface.ErrNotFound)
}

func TestStore_ParticipantRoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	_, err := db.Participant(ctx, "c1", "alice")
	assert.ErrorIs(t, err, iface.ErrNotFound)

	p := &types.Participant{
		CeremonyID:       "c1",
		UserID:           "alice",
		Status:           types.StatusWaiting,
		ContributionStep: types.StepDownloading,
	}
	require.NoError(t, db.SaveParticipant(ctx, p))

	got, err := db.Participant(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, got.Status)

	require.NoError(t, db.SaveParticipant(ctx, &types.Participant{CeremonyID: "c1", UserID: "bob"}))
	participants, err := db.Participants(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, len(participants))
}

func TestStore_ContributionsByCircuit_CreationOrder(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	base := time.Now().UTC()
	// Insert out of creation order; the index must restore it.
	for _, c := range []*types.Contribution{
		{ID: "k2", CeremonyID: "c1", CircuitID: "small", ParticipantID: "bob", ZkeyIndex: "00002", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "k1", CeremonyID: "c1", CircuitID: "small", ParticipantID: "alice", ZkeyIndex: "00001", CreatedAt: base.Add(time.Minute)},
		{ID: "k3", CeremonyID: "c1", CircuitID: "big", ParticipantID: "alice", ZkeyIndex: "00001", CreatedAt: base},
	} {
		require.NoError(t, db.SaveContribution(ctx, c))
	}

	contributions, err := db.ContributionsByCircuit(ctx, "c1", "small")
	require.NoError(t, err)
	require.Equal(t, 2, len(contributions))
	assert.Equal(t, "k1", contributions[0].ID)
	assert.Equal(t, "k2", contributions[1].ID)

	got, err := db.Contribution(ctx, "k3")
	require.NoError(t, err)
	assert.Equal(t, "big", got.CircuitID)
}

func TestStore_SaveContribution_SetsCreatedAt(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveContribution(ctx, &types.Contribution{
		ID: "k1", CeremonyID: "c1", CircuitID: "small", ParticipantID: "alice", ZkeyIndex: "00001",
	}))
	got, err := db.Contribution(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStore_TimeoutsPerParticipant(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, pid := range []string{"alice", "alice", "bob"} {
		require.NoError(t, db.SaveTimeout(ctx, &types.Timeout{
			CeremonyID:    "c1",
			ParticipantID: pid,
			Type:          types.TimeoutBlockingContribution,
			StartDate:     now.Add(time.Duration(i) * time.Minute),
			EndDate:       now.Add(time.Duration(i+1) * time.Minute),
		}))
	}

	timeouts, err := db.Timeouts(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, len(timeouts))

	timeouts, err = db.Timeouts(ctx, "c1", "carol")
	require.NoError(t, err)
	assert.Equal(t, 0, len(timeouts))
}

func TestStore_DeleteCeremony_Cascades(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCeremony(ctx, &types.Ceremony{ID: "c1", Prefix: "demo"}))
	require.NoError(t, db.SaveCircuit(ctx, &types.Circuit{CeremonyID: "c1", ID: "small", SequencePosition: 1}))
	require.NoError(t, db.SaveParticipant(ctx, &types.Participant{CeremonyID: "c1", UserID: "alice"}))
	require.NoError(t, db.SaveContribution(ctx, &types.Contribution{
		ID: "k1", CeremonyID: "c1", CircuitID: "small", ParticipantID: "alice", ZkeyIndex: "00001",
	}))
	require.NoError(t, db.SaveTimeout(ctx, &types.Timeout{
		CeremonyID: "c1", ParticipantID: "alice", StartDate: time.Now().UTC(), EndDate: time.Now().UTC().Add(time.Minute),
	}))

	require.NoError(t, db.DeleteCeremony(ctx, "c1"))

	_, err := db.Ceremony(ctx, "c1")
	assert.ErrorIs(t, err, iface.ErrNotFound)
	circuits, err := db.Circuits(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, len(circuits))
	_, err = db.Participant(ctx, "c1", "alice")
	assert.ErrorIs(t, err, iface.ErrNotFound)
	_, err = db.Contribution(ctx, "k1")
	assert.ErrorIs(t, err, iface.ErrNotFound)
	timeouts, err := db.Timeouts(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, len(timeouts))

	// The prefix is free again after deletion.
	require.NoError(t, db.SaveCeremony(ctx, &types.Ceremony{ID: "c2", Prefix: "demo"}))

	assert.ErrorIs(t, db.DeleteCeremony(ctx, "missing"), iface.ErrNotFound)
}

func TestStore_RunTransaction_RollsBackOnError(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.RunTransaction(ctx, func(tx iface.Tx) error {
		if err := tx.SaveCeremony(&types.Ceremony{ID: "c1", Prefix: "demo"}); err != nil {
			return err
		}
		if err := tx.SaveParticipant(&types.Participant{CeremonyID: "c1", UserID: "alice"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = db.Ceremony(ctx, "c1")
	assert.ErrorIs(t, err, iface.ErrNotFound)
	_, err = db.Participant(ctx, "c1", "alice")
	assert.ErrorIs(t, err, iface.ErrNotFound)
}

func TestStore_RunTransaction_CommitVisible(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	require.NoError(t, db.RunTransaction(ctx, func(tx iface.Tx) error {
		if err := tx.SaveCeremony(&types.Ceremony{ID: "c1", Prefix: "demo"}); err != nil {
			return err
		}
		return tx.SaveCircuit(&types.Circuit{CeremonyID: "c1", ID: "small", SequencePosition: 1})
	}))

	circuit, err := db.Circuit(ctx, "c1", "small")
	require.NoError(t, err)
	assert.Equal(t, 1, circuit.SequencePosition)
}

func TestStore_Backup(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCeremony(ctx, &types.Ceremony{ID: "c1", Prefix: "demo"}))

	backupDir := t.TempDir()
	require.NoError(t, db.Backup(ctx, backupDir, true))

	files, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	require.Equal(t, 1, len(files))
	assert.True(t, strings.HasSuffix(files[0].Name(), ".backup"))

	copied, err := bolt.Open(path.Join(backupDir, files[0].Name()), 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, copied.Close())
	}()
	require.NoError(t, copied.View(func(tx *bolt.Tx) error {
		assert.NotNil(t, tx.Bucket(ceremoniesBucket).Get([]byte("c1")))
		return nil
	}))
}
