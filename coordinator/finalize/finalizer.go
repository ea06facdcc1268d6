// Package finalize drives the end of a ceremony: the coordinator applies a
// public randomness beacon to every circuit's last zkey, the resulting final
// zkeys are verified and archived together with their verification keys and
// Solidity verifiers, and the ceremony document flips to FINALIZED.
package finalize

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/async"
	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/blob"
	"github.com/zkmpc/coordinator/coordinator/compute"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/feed"
	"github.com/zkmpc/coordinator/coordinator/statemachine"
	"github.com/zkmpc/coordinator/coordinator/types"
	"github.com/zkmpc/coordinator/coordinator/zkey"
	"github.com/zkmpc/coordinator/io/file"
)

var log = logrus.WithField("prefix", "finalize")

var circuitsFinalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "coordinator_circuits_finalized_total",
	Help: "Count of circuits whose final zkey was produced and verified.",
})

// Config options for the finalizer.
type Config struct {
	DB        iface.Database
	BlobStore blob.Store
	Engine    zkey.Engine
	Compute   compute.Provider
	StateFeed *event.Feed
	// WorkDir is the scratch root for beacon application and exports.
	WorkDir string
}

// Finalizer serves the coordinator-only finalization calls.
type Finalizer struct {
	cfg *Config
}

// New creates a finalizer.
func New(cfg *Config) *Finalizer {
	return &Finalizer{cfg: cfg}
}

// checkCoordinator loads the ceremony and rejects callers other than its
// coordinator.
func checkCoordinator(tx iface.Tx, ceremonyID, userID string) (*types.Ceremony, error) {
	ceremony, err := tx.Ceremony(ceremonyID)
	if err != nil {
		if errors.Is(err, iface.ErrNotFound) {
			return nil, api.Errorf(api.NotFound, "ceremony %s does not exist", ceremonyID)
		}
		return nil, err
	}
	if ceremony.CoordinatorID != userID {
		return nil, api.Errorf(api.Forbidden, "only the ceremony coordinator may finalize")
	}
	return ceremony, nil
}

// CheckAndPrepare validates that the caller may finalize the ceremony and
// flips its participant to FINALIZING, rewound to the first circuit.
func (f *Finalizer) CheckAndPrepare(ctx context.Context, ceremonyID, userID string) (*types.Participant, error) {
	var updated *types.Participant
	err := f.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		ceremony, err := checkCoordinator(tx, ceremonyID, userID)
		if err != nil {
			return err
		}
		if ceremony.State != types.CeremonyClosed {
			return api.Errorf(api.PreconditionFailed,
				"ceremony %s is %s, not CLOSED", ceremonyID, ceremony.State)
		}
		circuits, err := tx.Circuits(ceremonyID)
		if err != nil {
			return err
		}
		p, err := tx.Participant(ceremonyID, userID)
		if err != nil {
			if errors.Is(err, iface.ErrNotFound) {
				return api.Errorf(api.PreconditionFailed,
					"coordinator %s never contributed to ceremony %s", userID, ceremonyID)
			}
			return err
		}
		if err := statemachine.BeginFinalization(p, len(circuits)); err != nil {
			return err
		}
		if err := tx.SaveParticipant(p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"ceremony": ceremonyID, "coordinator": userID}).Info("Finalization started")
	return updated, nil
}

// FinalizeCircuit applies the beacon to one circuit's last zkey, verifies
// the final zkey, archives it with the verification key and the Solidity
// verifier, and records the final contribution. Circuits finalize strictly
// in sequence order.
func (f *Finalizer) FinalizeCircuit(ctx context.Context, ceremonyID, circuitID, userID, beaconValue string) (*types.Contribution, error) {
	if beaconValue == "" {
		return nil, api.Errorf(api.InvalidInput, "beacon value must not be empty")
	}
	ceremony, err := f.cfg.DB.Ceremony(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}
	if ceremony.CoordinatorID != userID {
		return nil, api.Errorf(api.Forbidden, "only the ceremony coordinator may finalize")
	}
	circuit, err := f.cfg.DB.Circuit(ctx, ceremonyID, circuitID)
	if err != nil {
		return nil, err
	}
	p, err := f.cfg.DB.Participant(ctx, ceremonyID, userID)
	if err != nil {
		return nil, err
	}
	if p.Status != types.StatusFinalizing {
		return nil, api.Errorf(api.PreconditionFailed,
			"participant %s is %s, not FINALIZING", userID, p.Status)
	}
	if circuit.SequencePosition != p.ContributionProgress {
		return nil, api.Errorf(api.PreconditionFailed,
			"circuits finalize in order; next is position %d, got circuit %s at %d",
			p.ContributionProgress, circuitID, circuit.SequencePosition)
	}
	if circuit.Files.FinalZkeyStoragePath != "" {
		return nil, api.Errorf(api.Conflict, "circuit %s is already finalized", circuitID)
	}

	bucket := types.BucketName(ceremony.Prefix, params.Get().CeremonyBucketPostfix)
	workDir := filepath.Join(f.cfg.WorkDir, uuid.NewString())
	if err := file.MkdirAll(workDir); err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.WithError(err).Debug("Could not remove finalization work dir")
		}
	}()

	lastZkeyIndex := types.GenesisZkeyIndex
	if n := circuit.WaitingQueue.CompletedContributions; n > 0 {
		lastZkeyIndex = types.FormatZkeyIndex(n)
	}
	paths := struct{ last, pot, genesis, final, transcript, vkey, sol string }{
		last:       filepath.Join(workDir, "last.zkey"),
		pot:        filepath.Join(workDir, "pot.ptau"),
		genesis:    filepath.Join(workDir, "genesis.zkey"),
		final:      filepath.Join(workDir, "final.zkey"),
		transcript: filepath.Join(workDir, "final_verification_transcript.log"),
		vkey:       filepath.Join(workDir, "vkey.json"),
		sol:        filepath.Join(workDir, "verifier.sol"),
	}
	cfg := params.Get()
	fetch := func(key, dst string) error {
		return async.Retry(ctx, cfg.UpstreamRetryAttempts, cfg.UpstreamRetryBaseDelay, func() error {
			return f.cfg.BlobStore.DownloadObject(ctx, bucket, key, dst)
		})
	}
	if err := fetch(types.ContributionStorageKey(circuit.Prefix, lastZkeyIndex), paths.last); err != nil {
		return nil, api.Wrap(api.UpstreamUnavailable, err, "could not fetch last zkey")
	}
	if err := fetch(circuit.Files.PotStoragePath, paths.pot); err != nil {
		return nil, api.Wrap(api.UpstreamUnavailable, err, "could not fetch powers of tau")
	}
	if err := fetch(circuit.Files.GenesisZkeyStoragePath, paths.genesis); err != nil {
		return nil, api.Wrap(api.UpstreamUnavailable, err, "could not fetch genesis zkey")
	}

	if err := f.cfg.Engine.Beacon(ctx, paths.last, paths.pot, paths.final, beaconValue, cfg.FinalBeaconIterations); err != nil {
		return nil, errors.Wrap(err, "could not apply finalization beacon")
	}
	valid, err := f.cfg.Engine.VerifyFromInit(ctx, paths.genesis, paths.pot, paths.final, paths.transcript)
	if err != nil {
		return nil, errors.Wrap(err, "could not verify final zkey")
	}
	if !valid {
		return nil, api.Errorf(api.Internal, "final zkey of circuit %s failed verification", circuitID)
	}
	if err := f.cfg.Engine.ExportVerificationKey(ctx, paths.final, paths.vkey); err != nil {
		return nil, errors.Wrap(err, "could not export verification key")
	}
	if err := f.cfg.Engine.ExportSolidityVerifier(ctx, paths.final, paths.sol); err != nil {
		return nil, errors.Wrap(err, "could not export verifier contract")
	}

	keys := struct{ final, transcript, vkey, sol string }{
		final:      types.ContributionStorageKey(circuit.Prefix, types.FinalZkeyIndex),
		transcript: types.TranscriptStorageKey(circuit.Prefix, types.FinalZkeyIndex, userID),
		vkey:       types.VkeyStorageKey(circuit.Prefix),
		sol:        types.VerifierContractStorageKey(circuit.Prefix),
	}
	for _, up := range []struct{ key, path string }{
		{keys.final, paths.final},
		{keys.transcript, paths.transcript},
		{keys.vkey, paths.vkey},
		{keys.sol, paths.sol},
	} {
		if err := async.Retry(ctx, cfg.UpstreamRetryAttempts, cfg.UpstreamRetryBaseDelay, func() error {
			return f.cfg.BlobStore.UploadObject(ctx, bucket, up.key, up.path)
		}); err != nil {
			return nil, api.Wrap(api.UpstreamUnavailable, err, "could not archive finalization artifact")
		}
	}
	finalHash, err := file.Blake2bFileHash(paths.final)
	if err != nil {
		return nil, err
	}
	transcriptHash, err := file.Blake2bFileHash(paths.transcript)
	if err != nil {
		return nil, err
	}

	contribution := &types.Contribution{
		ID:            uuid.NewString(),
		CeremonyID:    ceremonyID,
		CircuitID:     circuitID,
		ParticipantID: userID,
		ZkeyIndex:     types.FinalZkeyIndex,
		Valid:         true,
		Beacon:        beaconValue,
		Files: types.ContributionFiles{
			LastZkeyStoragePath:         keys.final,
			TranscriptStoragePath:       keys.transcript,
			LastZkeyBlake2bHash:         finalHash,
			TranscriptBlake2bHash:       transcriptHash,
			VerificationKeyStoragePath:  keys.vkey,
			VerifierContractStoragePath: keys.sol,
		},
		CreatedAt: time.Now().UTC(),
	}
	err = f.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		circuits, err := tx.Circuits(ceremonyID)
		if err != nil {
			return err
		}
		c, err := tx.Circuit(ceremonyID, circuitID)
		if err != nil {
			return err
		}
		if c.Files.FinalZkeyStoragePath != "" {
			return api.Errorf(api.Conflict, "circuit %s is already finalized", circuitID)
		}
		c.Files.FinalZkeyStoragePath = keys.final
		c.Files.VerificationKeyStoragePath = keys.vkey
		c.Files.VerifierContractStoragePath = keys.sol
		if err := tx.SaveCircuit(c); err != nil {
			return err
		}
		if err := tx.SaveContribution(contribution); err != nil {
			return err
		}
		participant, err := tx.Participant(ceremonyID, userID)
		if err != nil {
			return err
		}
		if err := statemachine.CompleteCircuit(participant, len(circuits)); err != nil {
			return err
		}
		participant.Contributions = append(participant.Contributions, contribution.ID)
		return tx.SaveParticipant(participant)
	})
	if err != nil {
		return nil, err
	}
	circuitsFinalizedTotal.Inc()
	log.WithFields(logrus.Fields{
		"ceremony": ceremonyID,
		"circuit":  circuitID,
	}).Info("Circuit finalized")
	return contribution, nil
}

// FinalizeCeremony flips the ceremony to FINALIZED once every circuit holds
// a final zkey, marks the coordinator's participant FINALIZED, and releases
// the verification instances.
func (f *Finalizer) FinalizeCeremony(ctx context.Context, ceremonyID, userID string) error {
	var instances []string
	err := f.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		ceremony, err := checkCoordinator(tx, ceremonyID, userID)
		if err != nil {
			return err
		}
		circuits, err := tx.Circuits(ceremonyID)
		if err != nil {
			return err
		}
		for _, c := range circuits {
			if c.Files.FinalZkeyStoragePath == "" {
				return api.Errorf(api.PreconditionFailed,
					"circuit %s has no final zkey yet", c.ID)
			}
			if c.Verification.VMInstanceID != "" {
				instances = append(instances, c.Verification.VMInstanceID)
			}
		}
		if err := statemachine.Finalize(ceremony); err != nil {
			return err
		}
		if err := tx.SaveCeremony(ceremony); err != nil {
			return err
		}
		p, err := tx.Participant(ceremonyID, userID)
		if err != nil {
			return err
		}
		if err := statemachine.FinishFinalization(p); err != nil {
			return err
		}
		return tx.SaveParticipant(p)
	})
	if err != nil {
		return err
	}
	for _, id := range instances {
		if err := f.cfg.Compute.TerminateInstance(ctx, id); err != nil {
			log.WithError(err).WithField("instance", id).Error("Could not terminate verification instance")
		}
	}
	if f.cfg.StateFeed != nil {
		f.cfg.StateFeed.Send(&feed.Event{Type: feed.CeremonyStateChanged, Data: &feed.CeremonyStateChangedData{
			CeremonyID: ceremonyID,
			State:      string(types.CeremonyFinalized),
		}})
	}
	log.WithField("ceremony", ceremonyID).Info("Ceremony finalized")
	return nil
}
