package verify

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/async"
	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/feed"
	"github.com/zkmpc/coordinator/coordinator/statemachine"
	"github.com/zkmpc/coordinator/coordinator/types"
	"github.com/zkmpc/coordinator/io/file"
)

// Verify runs the full verification pipeline for the newest contribution of
// a circuit and returns the recorded contribution document.
func (s *Service) Verify(ctx context.Context, ceremonyID, circuitID, participantID string) (*types.Contribution, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	ctx, cancel := context.WithTimeout(ctx, params.Get().VerificationTimeout())
	defer cancel()
	started := s.now()

	ceremony, err := s.cfg.DB.Ceremony(ctx, ceremonyID)
	if err != nil {
		return nil, asNotFound(err, "ceremony %s", ceremonyID)
	}
	circuit, err := s.cfg.DB.Circuit(ctx, ceremonyID, circuitID)
	if err != nil {
		return nil, asNotFound(err, "circuit %s", circuitID)
	}
	p, err := s.cfg.DB.Participant(ctx, ceremonyID, participantID)
	if err != nil {
		return nil, asNotFound(err, "participant %s", participantID)
	}
	if p.Status != types.StatusContributing || p.ContributionStep != types.StepVerifying {
		return nil, api.Errorf(api.PreconditionFailed,
			"participant %s is %s at step %s, nothing to verify", participantID, p.Status, p.ContributionStep)
	}
	if circuit.WaitingQueue.CurrentContributor != participantID {
		return nil, api.Errorf(api.PreconditionFailed,
			"participant %s does not hold the baton for circuit %s", participantID, circuitID)
	}

	lastZkeyIndex := types.FormatZkeyIndex(circuit.WaitingQueue.CompletedContributions + 1)
	bucket := types.BucketName(ceremony.Prefix, params.Get().CeremonyBucketPostfix)

	workDir := filepath.Join(s.cfg.WorkDir, uuid.NewString())
	if err := file.MkdirAll(workDir); err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.WithError(err).Debug("Could not remove verification work dir")
		}
	}()

	lastZkeyKey := types.ContributionStorageKey(circuit.Prefix, lastZkeyIndex)
	lastZkeyPath := filepath.Join(workDir, "last.zkey")
	transcriptPath := filepath.Join(workDir, "verification_transcript.log")

	cfg := params.Get()
	download := func(key, dst string) error {
		return async.Retry(ctx, cfg.UpstreamRetryAttempts, cfg.UpstreamRetryBaseDelay, func() error {
			return s.cfg.BlobStore.DownloadObject(ctx, bucket, key, dst)
		})
	}
	if err := download(lastZkeyKey, lastZkeyPath); err != nil {
		return nil, s.failContribution(ceremony, circuit, p, lastZkeyIndex,
			api.Wrap(api.UpstreamUnavailable, err, "could not fetch last zkey"))
	}

	var valid bool
	switch circuit.Verification.Mechanism {
	case types.VerifyVM:
		valid, err = s.verifyOnVM(ctx, bucket, circuit, lastZkeyIndex, transcriptPath)
	default:
		genesisPath := filepath.Join(workDir, "genesis.zkey")
		potPath := filepath.Join(workDir, "pot.ptau")
		if err = download(circuit.Files.GenesisZkeyStoragePath, genesisPath); err == nil {
			if err = download(circuit.Files.PotStoragePath, potPath); err == nil {
				valid, err = s.cfg.Engine.VerifyFromInit(ctx, genesisPath, potPath, lastZkeyPath, transcriptPath)
			}
		}
	}
	if err != nil {
		code := api.UpstreamUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = api.DeadlineExceeded
		}
		return nil, s.failContribution(ceremony, circuit, p, lastZkeyIndex,
			api.Wrap(code, err, "verification did not complete"))
	}

	zkeyHash, err := file.Blake2bFileHash(lastZkeyPath)
	if err != nil {
		return nil, err
	}
	transcriptHash, err := file.Blake2bFileHash(transcriptPath)
	if err != nil {
		return nil, err
	}
	transcriptKey := types.TranscriptStorageKey(circuit.Prefix, lastZkeyIndex, participantID)
	if err := async.Retry(ctx, cfg.UpstreamRetryAttempts, cfg.UpstreamRetryBaseDelay, func() error {
		return s.cfg.BlobStore.UploadObject(ctx, bucket, transcriptKey, transcriptPath)
	}); err != nil {
		return nil, s.failContribution(ceremony, circuit, p, lastZkeyIndex,
			api.Wrap(api.UpstreamUnavailable, err, "could not archive transcript"))
	}

	verificationTime := s.now().Sub(started).Milliseconds()
	contribution := &types.Contribution{
		ID:                          uuid.NewString(),
		CeremonyID:                  ceremonyID,
		CircuitID:                   circuitID,
		ParticipantID:               participantID,
		ZkeyIndex:                   lastZkeyIndex,
		Valid:                       valid,
		ContributionComputationTime: p.TempContributionData.ContributionComputationTime,
		VerificationComputationTime: verificationTime,
		Files: types.ContributionFiles{
			LastZkeyStoragePath:   lastZkeyKey,
			TranscriptStoragePath: transcriptKey,
			LastZkeyBlake2bHash:   zkeyHash,
			TranscriptBlake2bHash: transcriptHash,
		},
		CreatedAt: s.now(),
	}
	if err := s.commitVerdict(contribution); err != nil {
		return nil, err
	}

	observeVerification(valid, time.Duration(verificationTime)*time.Millisecond)
	log.WithFields(logrus.Fields{
		"ceremony":    ceremonyID,
		"circuit":     circuitID,
		"participant": participantID,
		"zkeyIndex":   lastZkeyIndex,
		"valid":       valid,
	}).Info("Contribution classified")
	return contribution, nil
}

// commitVerdict writes the contribution document, the circuit timing and
// queue updates, and the participant transition in one transaction, then
// publishes the classification. The transaction runs on the service
// context, not the verification deadline: a slow but finished run must
// still land its verdict.
func (s *Service) commitVerdict(contribution *types.Contribution) error {
	var handedOff *feed.BatonHandedOffData
	err := s.cfg.DB.RunTransaction(s.ctx, func(tx iface.Tx) error {
		circuits, err := tx.Circuits(contribution.CeremonyID)
		if err != nil {
			return err
		}
		circuit, err := tx.Circuit(contribution.CeremonyID, contribution.CircuitID)
		if err != nil {
			return err
		}
		p, err := tx.Participant(contribution.CeremonyID, contribution.ParticipantID)
		if err != nil {
			return err
		}
		if err := tx.SaveContribution(contribution); err != nil {
			return err
		}
		updateAvgTimings(circuit, contribution)
		if err := tx.SaveCircuit(circuit); err != nil {
			return err
		}
		if err := statemachine.CompleteCircuit(p, len(circuits)); err != nil {
			return err
		}
		p.Contributions = append(p.Contributions, contribution.ID)
		if err := tx.SaveParticipant(p); err != nil {
			return err
		}
		handedOff, err = s.cfg.Scheduler.HandOffTx(tx,
			contribution.CeremonyID, contribution.CircuitID, contribution.ParticipantID,
			contribution.Valid, s.now())
		return err
	})
	if err != nil {
		return err
	}
	if s.cfg.StateFeed != nil {
		s.cfg.StateFeed.Send(&feed.Event{Type: feed.ContributionClassified, Data: &feed.ContributionClassifiedData{
			CeremonyID:    contribution.CeremonyID,
			CircuitID:     contribution.CircuitID,
			ParticipantID: contribution.ParticipantID,
			ZkeyIndex:     contribution.ZkeyIndex,
			Valid:         contribution.Valid,
		}})
		if handedOff != nil {
			s.cfg.StateFeed.Send(&feed.Event{Type: feed.BatonHandedOff, Data: handedOff})
		}
	}
	return nil
}

// updateAvgTimings folds a valid contribution's timings into the circuit's
// running means. Invalid contributions leave the averages untouched.
func updateAvgTimings(circuit *types.Circuit, c *types.Contribution) {
	if !c.Valid {
		return
	}
	fold := func(avg, t int64) int64 {
		if t <= 0 {
			return avg
		}
		if avg > 0 {
			return (avg + t) / 2
		}
		return t
	}
	circuit.AvgTimings.ContributionComputation = fold(circuit.AvgTimings.ContributionComputation, c.ContributionComputationTime)
	circuit.AvgTimings.VerifyCloudFunction = fold(circuit.AvgTimings.VerifyCloudFunction, c.VerificationComputationTime)
	circuit.AvgTimings.FullContribution = fold(circuit.AvgTimings.FullContribution,
		c.ContributionComputationTime+c.VerificationComputationTime)
}

// failContribution records a failed verification: the attempt is written as
// an invalid contribution, the participant is timed out, and the baton
// moves on. The original failure is returned to the caller. The record is
// written on the service context: an expired verification deadline must not
// cancel its own failure record, or the participant would hold the baton
// forever.
func (s *Service) failContribution(ceremony *types.Ceremony, circuit *types.Circuit, p *types.Participant, zkeyIndex string, cause error) error {
	now := s.now()
	var handedOff *feed.BatonHandedOffData
	err := s.cfg.DB.RunTransaction(s.ctx, func(tx iface.Tx) error {
		participant, err := tx.Participant(ceremony.ID, p.UserID)
		if err != nil {
			return err
		}
		if err := tx.SaveTimeout(&types.Timeout{
			CeremonyID:    ceremony.ID,
			ParticipantID: p.UserID,
			Type:          types.TimeoutBlockingVerification,
			StartDate:     now,
			EndDate:       now.Add(time.Duration(ceremony.PenaltySeconds) * time.Second),
		}); err != nil {
			return err
		}
		if err := statemachine.TimeOut(participant); err != nil {
			return err
		}
		if err := tx.SaveParticipant(participant); err != nil {
			return err
		}
		if err := tx.SaveContribution(&types.Contribution{
			ID:            uuid.NewString(),
			CeremonyID:    ceremony.ID,
			CircuitID:     circuit.ID,
			ParticipantID: p.UserID,
			ZkeyIndex:     zkeyIndex,
			Valid:         false,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		handedOff, err = s.cfg.Scheduler.HandOffTx(tx, ceremony.ID, circuit.ID, p.UserID, false, now)
		return err
	})
	if err != nil {
		log.WithError(err).Error("Could not record verification failure")
	}
	if handedOff != nil && s.cfg.StateFeed != nil {
		s.cfg.StateFeed.Send(&feed.Event{Type: feed.BatonHandedOff, Data: handedOff})
	}
	return cause
}

func asNotFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, iface.ErrNotFound) {
		return api.Errorf(api.NotFound, format+" does not exist", args...)
	}
	return err
}
