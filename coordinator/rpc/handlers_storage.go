package rpc

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/blob"
)

// createBucket provisions an artifact bucket ahead of ceremony setup.
// Coordinator-only.
func (s *Service) createBucket(w http.ResponseWriter, r *http.Request) {
	if _, err := coordinatorIdentity(r); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		BucketName string `json:"bucketName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.BucketName == "" {
		writeError(w, api.Errorf(api.InvalidInput, "bucket name must not be empty"))
		return
	}
	exists, err := s.cfg.BlobStore.BucketExists(r.Context(), body.BucketName)
	if err != nil {
		writeError(w, api.Wrap(api.UpstreamUnavailable, err, "could not check bucket"))
		return
	}
	if exists {
		writeError(w, api.Errorf(api.Conflict, "bucket %s already exists", body.BucketName))
		return
	}
	if err := s.cfg.BlobStore.CreateBucket(r.Context(), body.BucketName); err != nil {
		writeError(w, api.Wrap(api.UpstreamUnavailable, err, "could not create bucket"))
		return
	}
	writeJSON(w, http.StatusCreated, nil)
}

// signGetObjectURL issues a pre-signed read URL for a ceremony artifact.
func (s *Service) signGetObjectURL(w http.ResponseWriter, r *http.Request) {
	if _, err := identity(r); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		BucketName string `json:"bucketName"`
		ObjectKey  string `json:"objectKey"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	signed, err := s.cfg.BlobStore.SignGetObjectURL(r.Context(), body.BucketName, body.ObjectKey)
	if err != nil {
		if errors.Is(err, blob.ErrNoSuchObject) {
			writeError(w, api.Errorf(api.NotFound, "object %s/%s does not exist", body.BucketName, body.ObjectKey))
			return
		}
		writeError(w, api.Wrap(api.UpstreamUnavailable, err, "could not sign url"))
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

// checkObjectExists reports whether a ceremony artifact exists.
func (s *Service) checkObjectExists(w http.ResponseWriter, r *http.Request) {
	if _, err := identity(r); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		BucketName string `json:"bucketName"`
		ObjectKey  string `json:"objectKey"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	exists, err := s.cfg.BlobStore.ObjectExists(r.Context(), body.BucketName, body.ObjectKey)
	if err != nil {
		writeError(w, api.Wrap(api.UpstreamUnavailable, err, "could not check object"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}
