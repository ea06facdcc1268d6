// Package upload coordinates the resumable multipart upload of a new zkey
// by the current contributor. Every call is gated on the participant
// holding the baton at the UPLOADING step and on the exact destination
// object key for the circuit's next contribution.
package upload

import (
	"context"

	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/blob"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/feed"
	"github.com/zkmpc/coordinator/coordinator/statemachine"
	"github.com/zkmpc/coordinator/coordinator/types"
)

var log = logrus.WithField("prefix", "upload")

var partsSignedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "coordinator_upload_parts_signed_total",
	Help: "Count of pre-signed upload part URLs issued.",
})

// Config options for the upload coordinator.
type Config struct {
	DB        iface.Database
	BlobStore blob.Store
	StateFeed *event.Feed
}

// Coordinator serves the multipart upload protocol.
type Coordinator struct {
	cfg *Config
}

// New creates an upload coordinator.
func New(cfg *Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// uploadContext is the validated state every upload call operates on.
type uploadContext struct {
	ceremony    *types.Ceremony
	circuit     *types.Circuit
	participant *types.Participant
	bucket      string
	objectKey   string
}

// checkPreconditions validates the (ceremony, circuit, zkeyIndex,
// participant) tuple for an upload call. Violations surface as
// PRECONDITION_FAILED without mutating any state.
func (c *Coordinator) checkPreconditions(ctx context.Context, ceremonyID, userID, objectKey string) (*uploadContext, error) {
	ceremony, err := c.cfg.DB.Ceremony(ctx, ceremonyID)
	if err != nil {
		return nil, notFound(err, "ceremony %s", ceremonyID)
	}
	p, err := c.cfg.DB.Participant(ctx, ceremonyID, userID)
	if err != nil {
		return nil, notFound(err, "participant %s", userID)
	}
	if p.Status != types.StatusContributing || p.ContributionStep != types.StepUploading {
		return nil, api.Errorf(api.PreconditionFailed,
			"participant %s is %s at step %s, not uploading", userID, p.Status, p.ContributionStep)
	}
	circuits, err := c.cfg.DB.Circuits(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}
	var circuit *types.Circuit
	for _, cc := range circuits {
		if cc.SequencePosition == p.ContributionProgress {
			circuit = cc
			break
		}
	}
	if circuit == nil {
		return nil, api.Errorf(api.NotFound,
			"ceremony %s has no circuit at position %d", ceremonyID, p.ContributionProgress)
	}
	if circuit.WaitingQueue.CurrentContributor != userID {
		return nil, api.Errorf(api.PreconditionFailed,
			"participant %s does not hold the baton for circuit %s", userID, circuit.ID)
	}
	nextIndex := types.FormatZkeyIndex(circuit.WaitingQueue.CompletedContributions + 1)
	expectedKey := types.ContributionStorageKey(circuit.Prefix, nextIndex)
	if objectKey != expectedKey {
		return nil, api.Errorf(api.PreconditionFailed,
			"object key %q does not match expected contribution key %q", objectKey, expectedKey)
	}
	return &uploadContext{
		ceremony:    ceremony,
		circuit:     circuit,
		participant: p,
		bucket:      types.BucketName(ceremony.Prefix, params.Get().CeremonyBucketPostfix),
		objectKey:   expectedKey,
	}, nil
}

// OpenResult is the response of OpenMultipartUpload.
type OpenResult struct {
	UploadID string        `json:"uploadId"`
	Chunks   []types.Chunk `json:"chunks,omitempty"`
}

// OpenMultipartUpload opens a multipart session for the participant's next
// contribution, or resumes the existing one: reopening returns the same
// upload id along with the already-acknowledged chunks.
func (c *Coordinator) OpenMultipartUpload(ctx context.Context, ceremonyID, userID, objectKey string) (*OpenResult, error) {
	uc, err := c.checkPreconditions(ctx, ceremonyID, userID, objectKey)
	if err != nil {
		return nil, err
	}
	if existing := uc.participant.TempContributionData.UploadID; existing != "" {
		return &OpenResult{UploadID: existing, Chunks: uc.participant.TempContributionData.Chunks}, nil
	}
	uploadID, err := c.cfg.BlobStore.CreateMultipartUpload(ctx, uc.bucket, uc.objectKey)
	if err != nil {
		return nil, api.Wrap(api.UpstreamUnavailable, err, "could not open multipart upload")
	}
	if err := c.StoreUploadID(ctx, ceremonyID, userID, objectKey, uploadID); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"participant": userID,
		"key":         uc.objectKey,
		"uploadId":    uploadID,
	}).Info("Opened contribution upload")
	return &OpenResult{UploadID: uploadID}, nil
}

// StoreUploadID persists the session id into the participant's scratch
// area. Storing the id already present is a no-op.
func (c *Coordinator) StoreUploadID(ctx context.Context, ceremonyID, userID, objectKey, uploadID string) error {
	if uploadID == "" {
		return api.Errorf(api.InvalidInput, "upload id must not be empty")
	}
	if _, err := c.checkPreconditions(ctx, ceremonyID, userID, objectKey); err != nil {
		return err
	}
	return c.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		p, err := tx.Participant(ceremonyID, userID)
		if err != nil {
			return err
		}
		if p.TempContributionData.UploadID == uploadID {
			return nil
		}
		if p.TempContributionData.UploadID != "" {
			return api.Errorf(api.PreconditionFailed,
				"participant %s already has upload %s open", userID, p.TempContributionData.UploadID)
		}
		p.TempContributionData.UploadID = uploadID
		return tx.SaveParticipant(p)
	})
}

// SignPartURLs issues one pre-signed PUT URL per part for the open session.
func (c *Coordinator) SignPartURLs(ctx context.Context, ceremonyID, userID, objectKey, uploadID string, numberOfParts int) ([]*blob.SignedURL, error) {
	uc, err := c.checkPreconditions(ctx, ceremonyID, userID, objectKey)
	if err != nil {
		return nil, err
	}
	if numberOfParts < 1 {
		return nil, api.Errorf(api.InvalidInput, "number of parts must be positive, got %d", numberOfParts)
	}
	if uc.participant.TempContributionData.UploadID != uploadID {
		return nil, api.Errorf(api.PreconditionFailed,
			"upload %s is not the participant's open session", uploadID)
	}
	urls, err := c.cfg.BlobStore.SignUploadPartURLs(ctx, uc.bucket, uc.objectKey, uploadID, numberOfParts)
	if err != nil {
		return nil, api.Wrap(api.UpstreamUnavailable, err, "could not sign part urls")
	}
	partsSignedTotal.Add(float64(len(urls)))
	return urls, nil
}

// StoreChunk records one acknowledged (partNumber, eTag) tuple. Re-submitting
// a tuple already recorded is a no-op; conflicting resubmission of a part
// number fails.
func (c *Coordinator) StoreChunk(ctx context.Context, ceremonyID, userID, objectKey string, chunk types.Chunk) error {
	if chunk.PartNumber < 1 || chunk.ETag == "" {
		return api.Errorf(api.InvalidInput, "chunk requires a positive part number and an etag")
	}
	if _, err := c.checkPreconditions(ctx, ceremonyID, userID, objectKey); err != nil {
		return err
	}
	return c.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		p, err := tx.Participant(ceremonyID, userID)
		if err != nil {
			return err
		}
		for _, existing := range p.TempContributionData.Chunks {
			if existing.PartNumber == chunk.PartNumber {
				if existing.ETag == chunk.ETag {
					return nil
				}
				return api.Errorf(api.Conflict,
					"part %d already recorded with a different etag", chunk.PartNumber)
			}
		}
		p.TempContributionData.Chunks = append(p.TempContributionData.Chunks, chunk)
		return tx.SaveParticipant(p)
	})
}

// CompleteMultipartUpload assembles the object, clears the participant's
// scratch state, advances the step to VERIFYING, and requests verification.
func (c *Coordinator) CompleteMultipartUpload(ctx context.Context, ceremonyID, userID, objectKey, uploadID string, parts []types.Chunk) (string, error) {
	uc, err := c.checkPreconditions(ctx, ceremonyID, userID, objectKey)
	if err != nil {
		return "", err
	}
	if uc.participant.TempContributionData.UploadID != uploadID {
		return "", api.Errorf(api.PreconditionFailed,
			"upload %s is not the participant's open session", uploadID)
	}
	location, err := c.cfg.BlobStore.CompleteMultipartUpload(ctx, uc.bucket, uc.objectKey, uploadID, parts)
	if err != nil {
		return "", api.Wrap(api.UpstreamUnavailable, err, "could not complete multipart upload")
	}
	err = c.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		p, err := tx.Participant(ceremonyID, userID)
		if err != nil {
			return err
		}
		if err := statemachine.AdvanceStep(p); err != nil {
			return err
		}
		if p.ContributionStep != types.StepVerifying {
			return api.Errorf(api.Internal,
				"participant %s advanced to unexpected step %s", userID, p.ContributionStep)
		}
		// The upload session is finished; the computation time and hash
		// survive for the verifier to record on the contribution document.
		p.TempContributionData = types.TempContributionData{
			ContributionComputationTime: p.TempContributionData.ContributionComputationTime,
			ContributionHash:            p.TempContributionData.ContributionHash,
		}
		return tx.SaveParticipant(p)
	})
	if err != nil {
		return "", err
	}
	if c.cfg.StateFeed != nil {
		c.cfg.StateFeed.Send(&feed.Event{Type: feed.VerificationRequested, Data: &feed.VerificationRequestedData{
			CeremonyID:    ceremonyID,
			CircuitID:     uc.circuit.ID,
			ParticipantID: userID,
		}})
	}
	log.WithFields(logrus.Fields{
		"participant": userID,
		"key":         uc.objectKey,
	}).Info("Contribution upload completed")
	return location, nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, iface.ErrNotFound) {
		return api.Errorf(api.NotFound, format+" does not exist", args...)
	}
	return err
}
