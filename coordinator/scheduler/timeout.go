package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/feed"
	"github.com/zkmpc/coordinator/coordinator/statemachine"
	"github.com/zkmpc/coordinator/coordinator/types"
)

// tickCeremony applies SCHEDULED->OPENED and OPENED->CLOSED when their time
// triggers have passed.
func (s *Service) tickCeremony(ctx context.Context, ceremonyID string, now time.Time) error {
	var changed *feed.CeremonyStateChangedData
	err := s.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		ceremony, err := tx.Ceremony(ceremonyID)
		if err != nil {
			return err
		}
		if !statemachine.TickCeremony(ceremony, now) {
			return nil
		}
		changed = &feed.CeremonyStateChangedData{CeremonyID: ceremonyID, State: string(ceremony.State)}
		return tx.SaveCeremony(ceremony)
	})
	if err != nil {
		return err
	}
	if changed != nil {
		log.WithFields(logrus.Fields{
			"ceremony": ceremonyID,
			"state":    changed.State,
		}).Info("Ceremony state advanced")
		if s.cfg.StateFeed != nil {
			s.cfg.StateFeed.Send(&feed.Event{Type: feed.CeremonyStateChanged, Data: changed})
		}
	}
	return nil
}

// deadline computes the current contributor's deadline for a circuit, or a
// zero time when no deadline applies yet.
func deadline(ceremony *types.Ceremony, circuit *types.Circuit, p *types.Participant) time.Time {
	switch ceremony.TimeoutMechanism {
	case types.TimeoutFixed:
		if circuit.FixedTimeWindow <= 0 {
			return time.Time{}
		}
		return p.ContributionStartedAt.Add(time.Duration(circuit.FixedTimeWindow) * time.Second)
	case types.TimeoutDynamic:
		avg := circuit.AvgTimings.FullContribution
		if avg <= 0 {
			return time.Time{}
		}
		k := ceremony.DynamicTimeoutMultiplier
		if k <= 0 {
			k = params.Get().DynamicTimeoutMultiplier
		}
		window := time.Duration(k*float64(avg)) * time.Millisecond
		return p.ContributionStartedAt.Add(window)
	}
	return time.Time{}
}

// enforceTimeout times out the circuit's current contributor when its
// deadline has passed. Deadlines hitting exactly now count as expired.
func (s *Service) enforceTimeout(ctx context.Context, ceremonyID, circuitID string, now time.Time) error {
	var fired *feed.BatonHandedOffData
	var abortUploadID string
	var abortBucket, abortKey string
	err := s.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		ceremony, err := tx.Ceremony(ceremonyID)
		if err != nil {
			return err
		}
		circuit, err := tx.Circuit(ceremonyID, circuitID)
		if err != nil {
			return err
		}
		current := circuit.WaitingQueue.CurrentContributor
		if current == "" {
			return nil
		}
		p, err := tx.Participant(ceremonyID, current)
		if err != nil {
			return err
		}
		if p.ContributionStep == types.StepCompleted {
			return nil
		}
		d := deadline(ceremony, circuit, p)
		if d.IsZero() || now.Before(d) {
			return nil
		}

		penalty := time.Duration(ceremony.PenaltySeconds) * time.Second
		if err := tx.SaveTimeout(&types.Timeout{
			CeremonyID:    ceremonyID,
			ParticipantID: current,
			Type:          types.TimeoutBlockingContribution,
			StartDate:     now,
			EndDate:       now.Add(penalty),
		}); err != nil {
			return err
		}
		if p.TempContributionData.UploadID != "" {
			abortUploadID = p.TempContributionData.UploadID
			abortBucket = types.BucketName(ceremony.Prefix, params.Get().CeremonyBucketPostfix)
			abortKey = types.ContributionStorageKey(circuit.Prefix,
				types.FormatZkeyIndex(circuit.WaitingQueue.CompletedContributions+1))
		}
		if err := statemachine.TimeOut(p); err != nil {
			return err
		}
		if err := tx.SaveParticipant(p); err != nil {
			return err
		}
		// The failed attempt is recorded so circuit counters stay in step
		// with contribution documents.
		if err := tx.SaveContribution(&types.Contribution{
			ID:            uuid.NewString(),
			CeremonyID:    ceremonyID,
			CircuitID:     circuitID,
			ParticipantID: current,
			ZkeyIndex:     types.FormatZkeyIndex(circuit.WaitingQueue.CompletedContributions + 1),
			Valid:         false,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		fired, err = s.HandOffTx(tx, ceremonyID, circuitID, current, false, now)
		return err
	})
	if err != nil {
		return err
	}
	if fired != nil {
		timeoutsFiredTotal.Inc()
		log.WithFields(logrus.Fields{
			"ceremony":    ceremonyID,
			"circuit":     circuitID,
			"participant": fired.LeavingParticipant,
		}).Warn("Contribution timed out")
		s.publishHandOff(fired)
	}
	if abortUploadID != "" {
		if err := s.cfg.BlobStore.AbortMultipartUpload(ctx, abortBucket, abortKey, abortUploadID); err != nil {
			log.WithError(err).WithField("uploadId", abortUploadID).Error("Could not abort partial upload")
		}
	}
	return nil
}

// ResumeAfterTimeout re-admits a timed out participant once its penalty
// window expired. The participant re-enters at the tail of its circuit's
// queue with preserved progress.
func (s *Service) ResumeAfterTimeout(ctx context.Context, ceremonyID, userID string) (*types.Participant, error) {
	var updated *types.Participant
	var handedOff *feed.BatonHandedOffData
	err := s.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		ceremony, err := tx.Ceremony(ceremonyID)
		if err != nil {
			return wrapNotFound(err, "ceremony %s", ceremonyID)
		}
		p, err := tx.Participant(ceremonyID, userID)
		if err != nil {
			return wrapNotFound(err, "participant %s", userID)
		}
		timeouts, err := tx.Timeouts(ceremonyID, userID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := statemachine.ResumeAfterTimeout(p, timeouts, now); err != nil {
			return err
		}
		if err := statemachine.MakeReady(p, false); err != nil {
			return err
		}
		handedOff, err = s.admitTx(tx, ceremony, p, now)
		if err != nil {
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
	s.publishHandOff(handedOff)
	return updated, nil
}
