package rpc

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zkmpc/coordinator/coordinator/types"
)

// openMultipartUpload opens (or resumes) the multipart session for the
// caller's next contribution object.
func (s *Service) openMultipartUpload(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ObjectKey string `json:"objectKey"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ceremonyID := mux.Vars(r)["ceremonyId"]
	result, err := s.cfg.Upload.OpenMultipartUpload(r.Context(), ceremonyID, caller, body.ObjectKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// storeUploadID persists an externally opened session id into the caller's
// scratch state.
func (s *Service) storeUploadID(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ObjectKey string `json:"objectKey"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	if err := s.cfg.Upload.StoreUploadID(r.Context(), vars["ceremonyId"], caller, body.ObjectKey, vars["uploadId"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// signPartURLs issues pre-signed PUT URLs for the open session's parts.
func (s *Service) signPartURLs(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ObjectKey     string `json:"objectKey"`
		NumberOfParts int    `json:"numberOfParts"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	urls, err := s.cfg.Upload.SignPartURLs(r.Context(), vars["ceremonyId"], caller, body.ObjectKey, vars["uploadId"], body.NumberOfParts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, urls)
}

// storeChunk records one acknowledged (partNumber, eTag) tuple.
func (s *Service) storeChunk(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ObjectKey  string `json:"objectKey"`
		PartNumber int    `json:"partNumber"`
		ETag       string `json:"eTag"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ceremonyID := mux.Vars(r)["ceremonyId"]
	chunk := types.Chunk{PartNumber: body.PartNumber, ETag: body.ETag}
	if err := s.cfg.Upload.StoreChunk(r.Context(), ceremonyID, caller, body.ObjectKey, chunk); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// completeMultipartUpload assembles the contribution object and hands it to
// the verifier.
func (s *Service) completeMultipartUpload(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ObjectKey string        `json:"objectKey"`
		Parts     []types.Chunk `json:"parts"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	location, err := s.cfg.Upload.CompleteMultipartUpload(r.Context(), vars["ceremonyId"], caller, body.ObjectKey, vars["uploadId"], body.Parts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"location": location})
}

// verifyContribution runs verification synchronously for the caller's
// uploaded contribution and returns the recorded document.
func (s *Service) verifyContribution(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	contribution, err := s.cfg.Verifier.Verify(r.Context(), vars["ceremonyId"], vars["circuitId"], caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contribution)
}
