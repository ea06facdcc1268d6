package rpc

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zkmpc/coordinator/coordinator/setup"
	"github.com/zkmpc/coordinator/coordinator/types"
)

// setupCeremony creates a ceremony; the caller becomes its coordinator.
func (s *Service) setupCeremony(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in setup.CeremonyInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	ceremony, err := s.cfg.Setup.SetupCeremony(r.Context(), caller, &in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ceremony)
}

func (s *Service) listCeremonies(w http.ResponseWriter, r *http.Request) {
	ceremonies, err := s.cfg.DB.Ceremonies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ceremonies)
}

// ceremonyDetail is the read model of one ceremony with its circuits.
type ceremonyDetail struct {
	Ceremony *types.Ceremony  `json:"ceremony"`
	Circuits []*types.Circuit `json:"circuits"`
}

func (s *Service) getCeremony(w http.ResponseWriter, r *http.Request) {
	ceremonyID := mux.Vars(r)["ceremonyId"]
	ceremony, err := s.cfg.DB.Ceremony(r.Context(), ceremonyID)
	if err != nil {
		writeError(w, notFound(err, "ceremony %s", ceremonyID))
		return
	}
	circuits, err := s.cfg.DB.Circuits(r.Context(), ceremonyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &ceremonyDetail{Ceremony: ceremony, Circuits: circuits})
}
