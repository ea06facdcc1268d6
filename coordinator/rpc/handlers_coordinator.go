package rpc

import (
	"net/http"

	"github.com/gorilla/mux"
)

// prepareFinalization flips the ceremony coordinator's participant to
// FINALIZING after validating the ceremony is CLOSED.
func (s *Service) prepareFinalization(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ceremonyID := mux.Vars(r)["ceremonyId"]
	p, err := s.cfg.Finalizer.CheckAndPrepare(r.Context(), ceremonyID, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// finalizeCircuit applies the beacon to one circuit and records its final
// contribution.
func (s *Service) finalizeCircuit(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Beacon string `json:"beacon"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	contribution, err := s.cfg.Finalizer.FinalizeCircuit(r.Context(), vars["ceremonyId"], vars["circuitId"], caller, body.Beacon)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contribution)
}

// finalizeCeremony flips the ceremony to FINALIZED once every circuit holds
// a final zkey.
func (s *Service) finalizeCeremony(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ceremonyID := mux.Vars(r)["ceremonyId"]
	if err := s.cfg.Finalizer.FinalizeCeremony(r.Context(), ceremonyID, caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
