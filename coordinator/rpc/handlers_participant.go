package rpc

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
)

// checkParticipant registers the caller into the ceremony or reports its
// current standing.
func (s *Service) checkParticipant(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ceremonyID := mux.Vars(r)["ceremonyId"]
	p, err := s.cfg.Scheduler.Join(r.Context(), ceremonyID, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// progressToNextCircuit readies the caller for its next circuit and admits
// it to that circuit's waiting queue.
func (s *Service) progressToNextCircuit(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ceremonyID := mux.Vars(r)["ceremonyId"]
	p, err := s.cfg.Scheduler.ProgressToNextCircuit(r.Context(), ceremonyID, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// progressToNextStep advances the caller's contribution step.
func (s *Service) progressToNextStep(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ceremonyID := mux.Vars(r)["ceremonyId"]
	p, err := s.cfg.Scheduler.AdvanceStep(r.Context(), ceremonyID, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// storeTimeAndHash records the caller's computation wall time and zkey hash.
func (s *Service) storeTimeAndHash(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ContributionComputationTime int64  `json:"contributionComputationTime"`
		ContributionHash            string `json:"contributionHash"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ceremonyID := mux.Vars(r)["ceremonyId"]
	if err := s.cfg.Scheduler.StoreContributionTimeAndHash(r.Context(), ceremonyID, caller,
		body.ContributionComputationTime, body.ContributionHash); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// resumeAfterTimeout re-admits the caller once its penalty window expired.
func (s *Service) resumeAfterTimeout(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ceremonyID := mux.Vars(r)["ceremonyId"]
	p, err := s.cfg.Scheduler.ResumeAfterTimeout(r.Context(), ceremonyID, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, iface.ErrNotFound) {
		return api.Errorf(api.NotFound, format+" does not exist", args...)
	}
	return err
}
