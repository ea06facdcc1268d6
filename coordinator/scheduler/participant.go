package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/feed"
	"github.com/zkmpc/coordinator/coordinator/statemachine"
	"github.com/zkmpc/coordinator/coordinator/types"
)

// Join registers a user into an opened ceremony, or re-admits a returning
// participant. Joining while already in flight is a harmless no-op.
func (s *Service) Join(ctx context.Context, ceremonyID, userID string) (*types.Participant, error) {
	var updated *types.Participant
	err := s.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		ceremony, err := tx.Ceremony(ceremonyID)
		if err != nil {
			return wrapNotFound(err, "ceremony %s", ceremonyID)
		}
		p, err := tx.Participant(ceremonyID, userID)
		if err != nil {
			if !errors.Is(err, iface.ErrNotFound) {
				return err
			}
			p = nil
		}
		joined, err := statemachine.Join(ceremony, p, userID, s.now())
		if err != nil {
			return err
		}
		if err := tx.SaveParticipant(joined); err != nil {
			return err
		}
		updated = joined
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.cfg.StateFeed != nil {
		s.cfg.StateFeed.Send(&feed.Event{Type: feed.ParticipantUpdated, Data: &feed.ParticipantUpdatedData{
			CeremonyID: ceremonyID,
			UserID:     userID,
			Status:     string(updated.Status),
			Step:       string(updated.ContributionStep),
		}})
	}
	log.WithFields(logrus.Fields{
		"ceremony":    ceremonyID,
		"participant": userID,
		"status":      updated.Status,
	}).Info("Participant joined")
	return updated, nil
}

// AdvanceStep moves the calling contributor one contribution step forward.
// Requesting a step already passed fails without mutating the document.
func (s *Service) AdvanceStep(ctx context.Context, ceremonyID, userID string) (*types.Participant, error) {
	var updated *types.Participant
	err := s.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		p, err := tx.Participant(ceremonyID, userID)
		if err != nil {
			return wrapNotFound(err, "participant %s", userID)
		}
		if err := statemachine.AdvanceStep(p); err != nil {
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
	return updated, nil
}

// StoreContributionTimeAndHash records the contributor's self-reported
// computation wall time and the hash of its new zkey. The verifier copies
// both onto the contribution document.
func (s *Service) StoreContributionTimeAndHash(ctx context.Context, ceremonyID, userID string, computationTimeMillis int64, contributionHash string) error {
	if computationTimeMillis < 0 || contributionHash == "" {
		return api.Errorf(api.InvalidInput, "computation time and contribution hash are required")
	}
	return s.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		p, err := tx.Participant(ceremonyID, userID)
		if err != nil {
			return wrapNotFound(err, "participant %s", userID)
		}
		if p.Status != types.StatusContributing && p.Status != types.StatusFinalizing {
			return api.Errorf(api.PreconditionFailed,
				"participant %s is %s, has no contribution in flight", userID, p.Status)
		}
		p.TempContributionData.ContributionComputationTime = computationTimeMillis
		p.TempContributionData.ContributionHash = contributionHash
		return tx.SaveParticipant(p)
	})
}
