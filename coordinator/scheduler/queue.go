package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/feed"
	"github.com/zkmpc/coordinator/coordinator/statemachine"
	"github.com/zkmpc/coordinator/coordinator/types"
)

// ProgressToNextCircuit moves a WAITING (or exhumed) participant to READY
// for its next circuit and admits it to that circuit's waiting queue. The
// whole operation is one transaction; if the queue was empty the participant
// leaves it holding the baton.
func (s *Service) ProgressToNextCircuit(ctx context.Context, ceremonyID, userID string) (*types.Participant, error) {
	var updated *types.Participant
	var handedOff *feed.BatonHandedOffData
	err := s.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		ceremony, err := tx.Ceremony(ceremonyID)
		if err != nil {
			return wrapNotFound(err, "ceremony %s", ceremonyID)
		}
		if ceremony.State != types.CeremonyOpened {
			return api.Errorf(api.PreconditionFailed, "ceremony %s is %s, not OPENED", ceremonyID, ceremony.State)
		}
		p, err := tx.Participant(ceremonyID, userID)
		if err != nil {
			return wrapNotFound(err, "participant %s", userID)
		}
		timeouts, err := tx.Timeouts(ceremonyID, userID)
		if err != nil {
			return err
		}
		active := false
		now := s.now()
		for _, t := range timeouts {
			if t.Active(now) {
				active = true
				break
			}
		}
		if p.ContributionProgress == 0 {
			p.ContributionProgress = 1
		}
		if err := statemachine.MakeReady(p, active); err != nil {
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

// admitTx appends a READY participant to the tail of its target circuit's
// queue. If the queue was empty the participant is promoted to current
// contributor in the same transaction.
func (s *Service) admitTx(tx iface.Tx, ceremony *types.Ceremony, p *types.Participant, now time.Time) (*feed.BatonHandedOffData, error) {
	circuit, err := s.circuitAtPosition(tx, ceremony.ID, p.ContributionProgress)
	if err != nil {
		return nil, err
	}
	if circuit.WaitingQueue.Contains(p.UserID) {
		return nil, api.Errorf(api.PreconditionFailed,
			"participant %s is already queued for circuit %s", p.UserID, circuit.ID)
	}
	circuit.WaitingQueue.Contributors = append(circuit.WaitingQueue.Contributors, p.UserID)
	var handedOff *feed.BatonHandedOffData
	if circuit.WaitingQueue.CurrentContributor == "" {
		circuit.WaitingQueue.CurrentContributor = p.UserID
		if err := statemachine.GrantBaton(p, now); err != nil {
			return nil, err
		}
		handedOff = &feed.BatonHandedOffData{
			CeremonyID:         ceremony.ID,
			CircuitID:          circuit.ID,
			CurrentContributor: p.UserID,
		}
	}
	if !circuit.WaitingQueue.CheckInvariant() {
		return nil, api.Errorf(api.Internal, "waiting queue invariant broken on circuit %s", circuit.ID)
	}
	if err := tx.SaveCircuit(circuit); err != nil {
		return nil, err
	}
	return handedOff, nil
}

// HandOffTx performs the baton hand-off for a leaving participant inside an
// existing transaction: it updates the circuit counters, removes the head,
// and promotes the next queued participant if any. Callers own saving the
// leaving participant's document.
func (s *Service) HandOffTx(tx iface.Tx, ceremonyID, circuitID, leavingUserID string, valid bool, now time.Time) (*feed.BatonHandedOffData, error) {
	circuit, err := tx.Circuit(ceremonyID, circuitID)
	if err != nil {
		return nil, wrapNotFound(err, "circuit %s", circuitID)
	}
	if circuit.WaitingQueue.Head() != leavingUserID {
		return nil, api.Errorf(api.Internal,
			"hand-off for %s but queue head of circuit %s is %q", leavingUserID, circuitID, circuit.WaitingQueue.Head())
	}
	circuit.WaitingQueue.Contributors = circuit.WaitingQueue.Contributors[1:]
	if valid {
		circuit.WaitingQueue.CompletedContributions++
		completedContributionsTotal.Inc()
	} else {
		circuit.WaitingQueue.FailedContributions++
		failedContributionsTotal.Inc()
	}
	data := &feed.BatonHandedOffData{
		CeremonyID:         ceremonyID,
		CircuitID:          circuitID,
		LeavingParticipant: leavingUserID,
	}
	if next := circuit.WaitingQueue.Head(); next != "" {
		circuit.WaitingQueue.CurrentContributor = next
		nextParticipant, err := tx.Participant(ceremonyID, next)
		if err != nil {
			return nil, wrapNotFound(err, "next contributor %s", next)
		}
		if err := statemachine.GrantBaton(nextParticipant, now); err != nil {
			return nil, err
		}
		if err := tx.SaveParticipant(nextParticipant); err != nil {
			return nil, err
		}
		data.CurrentContributor = next
	} else {
		circuit.WaitingQueue.CurrentContributor = ""
	}
	if !circuit.WaitingQueue.CheckInvariant() {
		return nil, api.Errorf(api.Internal, "waiting queue invariant broken on circuit %s", circuitID)
	}
	if err := tx.SaveCircuit(circuit); err != nil {
		return nil, err
	}
	batonHandOffsTotal.Inc()
	return data, nil
}

// HandOff runs HandOffTx in its own transaction and publishes the event.
func (s *Service) HandOff(ctx context.Context, ceremonyID, circuitID, leavingUserID string, valid bool) error {
	var data *feed.BatonHandedOffData
	err := s.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		var err error
		data, err = s.HandOffTx(tx, ceremonyID, circuitID, leavingUserID, valid, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.publishHandOff(data)
	return nil
}

func (s *Service) circuitAtPosition(tx iface.Tx, ceremonyID string, position int) (*types.Circuit, error) {
	circuits, err := tx.Circuits(ceremonyID)
	if err != nil {
		return nil, err
	}
	for _, c := range circuits {
		if c.SequencePosition == position {
			return c, nil
		}
	}
	return nil, api.Errorf(api.NotFound, "ceremony %s has no circuit at position %d", ceremonyID, position)
}

func (s *Service) publishHandOff(data *feed.BatonHandedOffData) {
	if data == nil || s.cfg.StateFeed == nil {
		return
	}
	s.cfg.StateFeed.Send(&feed.Event{Type: feed.BatonHandedOff, Data: data})
}

func wrapNotFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, iface.ErrNotFound) {
		return api.Errorf(api.NotFound, format+" does not exist", args...)
	}
	return err
}
