// Package statemachine enforces the legal transitions of participant and
// ceremony documents. Every mutation performed by the scheduler, upload
// coordinator, verifier, and finalizer passes through these guards; a guard
// violation surfaces as PRECONDITION_FAILED and leaves the document
// untouched.
package statemachine

import (
	"time"

	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/types"
)

// Join registers a user into a ceremony or re-admits a returning
// participant. A nil participant means first registration.
func Join(ceremony *types.Ceremony, p *types.Participant, userID string, now time.Time) (*types.Participant, error) {
	if ceremony.State != types.CeremonyOpened {
		return nil, api.Errorf(api.PreconditionFailed, "ceremony %s is %s, not OPENED", ceremony.ID, ceremony.State)
	}
	if p == nil {
		return &types.Participant{
			CeremonyID:           ceremony.ID,
			UserID:               userID,
			Status:               types.StatusWaiting,
			ContributionStep:     types.StepDownloading,
			ContributionProgress: 0,
			LastUpdated:          now,
		}, nil
	}
	switch p.Status {
	case types.StatusWaiting, types.StatusReady, types.StatusContributing:
		// Already in flight; joining again is a harmless no-op.
		return p, nil
	case types.StatusCreated:
		p.Status = types.StatusWaiting
		return p, nil
	case types.StatusTimedOut:
		return nil, api.Errorf(api.PreconditionFailed,
			"participant %s is timed out; resume after the timeout expires", p.UserID)
	default:
		return nil, api.Errorf(api.PreconditionFailed,
			"participant %s cannot rejoin from status %s", p.UserID, p.Status)
	}
}

// MakeReady transitions WAITING -> READY once the participant is clear to be
// queued for its next circuit.
func MakeReady(p *types.Participant, activeTimeout bool) error {
	if p.Status != types.StatusWaiting && p.Status != types.StatusExhumed {
		return api.Errorf(api.PreconditionFailed,
			"participant %s is %s, cannot become READY", p.UserID, p.Status)
	}
	if activeTimeout {
		return api.Errorf(api.PreconditionFailed,
			"participant %s still has an active timeout", p.UserID)
	}
	p.Status = types.StatusReady
	return nil
}

// GrantBaton transitions a queued participant to CONTRIBUTING at step
// DOWNLOADING, resetting its scratch state. Both READY (admitted into an
// empty queue) and WAITING (auto-promoted on hand-off) are legal origins.
func GrantBaton(p *types.Participant, now time.Time) error {
	switch p.Status {
	case types.StatusReady, types.StatusWaiting:
	default:
		return api.Errorf(api.PreconditionFailed,
			"participant %s is %s, cannot take the baton", p.UserID, p.Status)
	}
	p.Status = types.StatusContributing
	p.ContributionStep = types.StepDownloading
	p.TempContributionData = types.TempContributionData{}
	p.ContributionStartedAt = now
	return nil
}

// AdvanceStep moves the current contributor one step forward. Steps are
// strictly monotone: re-requesting a step already passed fails.
func AdvanceStep(p *types.Participant) error {
	if p.Status != types.StatusContributing {
		return api.Errorf(api.PreconditionFailed,
			"participant %s is %s, not CONTRIBUTING", p.UserID, p.Status)
	}
	if p.ContributionStep == types.StepCompleted {
		return api.Errorf(api.PreconditionFailed,
			"participant %s already completed this circuit", p.UserID)
	}
	p.ContributionStep = types.NextStep(p.ContributionStep)
	if p.ContributionStep == types.StepVerifying {
		p.VerificationStartedAt = time.Now().UTC()
	}
	return nil
}

// TimeOut flips a contributor or queued participant to TIMEDOUT.
func TimeOut(p *types.Participant) error {
	switch p.Status {
	case types.StatusContributing, types.StatusReady, types.StatusWaiting:
	default:
		return api.Errorf(api.PreconditionFailed,
			"participant %s is %s, cannot be timed out", p.UserID, p.Status)
	}
	p.Status = types.StatusTimedOut
	p.TempContributionData = types.TempContributionData{}
	return nil
}

// ResumeAfterTimeout transitions TIMEDOUT -> EXHUMED once no timeout window
// is still active. Contribution progress is preserved.
func ResumeAfterTimeout(p *types.Participant, timeouts []*types.Timeout, now time.Time) error {
	if p.Status != types.StatusTimedOut {
		return api.Errorf(api.PreconditionFailed,
			"participant %s is %s, not TIMEDOUT", p.UserID, p.Status)
	}
	for _, t := range timeouts {
		if t.Active(now) {
			return api.Errorf(api.PreconditionFailed,
				"participant %s has an active timeout until %s", p.UserID, t.EndDate.Format(time.RFC3339))
		}
	}
	p.Status = types.StatusExhumed
	return nil
}

// CompleteCircuit finishes the participant's work on its current circuit
// after verification classified the contribution. Valid and invalid both
// advance the participant's progress.
func CompleteCircuit(p *types.Participant, numberOfCircuits int) error {
	if p.Status != types.StatusContributing && p.Status != types.StatusFinalizing {
		return api.Errorf(api.PreconditionFailed,
			"participant %s is %s, has no circuit in flight", p.UserID, p.Status)
	}
	p.ContributionStep = types.StepCompleted
	p.ContributionProgress++
	p.TempContributionData = types.TempContributionData{}
	if p.Status == types.StatusFinalizing {
		return nil
	}
	if p.ContributionProgress > numberOfCircuits {
		p.Status = types.StatusDone
	} else {
		p.Status = types.StatusWaiting
	}
	return nil
}

// BeginFinalization moves the coordinator's participant from DONE to
// FINALIZING and rewinds its progress to the first circuit. Only a
// participant that contributed to every circuit may finalize.
func BeginFinalization(p *types.Participant, numberOfCircuits int) error {
	if p.Status != types.StatusDone {
		return api.Errorf(api.PreconditionFailed,
			"participant %s is %s, must be DONE to finalize", p.UserID, p.Status)
	}
	if p.ContributionProgress <= numberOfCircuits {
		return api.Errorf(api.PreconditionFailed,
			"participant %s has not contributed to every circuit", p.UserID)
	}
	p.Status = types.StatusFinalizing
	p.ContributionProgress = 1
	p.ContributionStep = types.StepDownloading
	p.TempContributionData = types.TempContributionData{}
	return nil
}

// FinishFinalization moves the coordinator's participant FINALIZING ->
// FINALIZED once every circuit holds a valid final contribution.
func FinishFinalization(p *types.Participant) error {
	if p.Status != types.StatusFinalizing {
		return api.Errorf(api.PreconditionFailed,
			"participant %s is %s, not FINALIZING", p.UserID, p.Status)
	}
	p.Status = types.StatusFinalized
	return nil
}

// TickCeremony applies the time-triggered ceremony transitions. It returns
// true when the state changed.
func TickCeremony(c *types.Ceremony, now time.Time) bool {
	switch c.State {
	case types.CeremonyScheduled:
		if !now.Before(c.StartDate) {
			c.State = types.CeremonyOpened
			return true
		}
	case types.CeremonyOpened:
		if !now.Before(c.EndDate) {
			c.State = types.CeremonyClosed
			return true
		}
	}
	return false
}

// Finalize transitions a ceremony CLOSED -> FINALIZED. Callers verify the
// coordinator capability and that every circuit holds a valid final
// contribution before invoking it.
func Finalize(c *types.Ceremony) error {
	if c.State != types.CeremonyClosed {
		return api.Errorf(api.PreconditionFailed,
			"ceremony %s is %s, not CLOSED", c.ID, c.State)
	}
	c.State = types.CeremonyFinalized
	return nil
}
