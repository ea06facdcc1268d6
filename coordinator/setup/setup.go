// Package setup creates ceremonies: it validates the coordinator's input,
// provisions the artifact bucket and the per-circuit verification instances,
// uploads the initial artifacts, and writes the ceremony and circuit
// documents.
package setup

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/async"
	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/api"
	"github.com/zkmpc/coordinator/coordinator/blob"
	"github.com/zkmpc/coordinator/coordinator/compute"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/types"
	"github.com/zkmpc/coordinator/io/file"
)

var log = logrus.WithField("prefix", "setup")

// Config options for the setup service.
type Config struct {
	DB        iface.Database
	BlobStore blob.Store
	Compute   compute.Provider
}

// Service creates ceremonies.
type Service struct {
	cfg *Config
	now func() time.Time
}

// New creates a setup service.
func New(cfg *Config) *Service {
	return &Service{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// CircuitInput describes one circuit of a new ceremony. Artifact paths are
// local files on the coordinator host, uploaded during setup.
type CircuitInput struct {
	Prefix           string                      `json:"prefix"`
	SequencePosition int                         `json:"sequencePosition"`
	Metadata         types.CircuitMetadata       `json:"metadata"`
	FixedTimeWindow  int64                       `json:"fixedTimeWindow,omitempty"`
	Verification     types.VerificationMechanism `json:"verification"`
	PotPath          string                      `json:"potPath"`
	R1csPath         string                      `json:"r1csPath"`
	WasmPath         string                      `json:"wasmPath"`
	GenesisZkeyPath  string                      `json:"genesisZkeyPath"`
}

// CeremonyInput describes a new ceremony.
type CeremonyInput struct {
	Prefix                   string                 `json:"prefix"`
	Title                    string                 `json:"title"`
	Description              string                 `json:"description"`
	StartDate                time.Time              `json:"startDate"`
	EndDate                  time.Time              `json:"endDate"`
	TimeoutMechanism         types.TimeoutMechanism `json:"timeoutMechanism"`
	PenaltySeconds           int64                  `json:"penalty"`
	DynamicTimeoutMultiplier float64                `json:"dynamicTimeoutMultiplier,omitempty"`
	Circuits                 []CircuitInput         `json:"circuits"`
}

func (s *Service) validate(ctx context.Context, in *CeremonyInput) error {
	if in.Prefix == "" {
		return api.Errorf(api.InvalidInput, "ceremony prefix must not be empty")
	}
	now := s.now()
	if !now.Before(in.StartDate) {
		return api.Errorf(api.InvalidInput, "ceremony start date %s is not in the future", in.StartDate.Format(time.RFC3339))
	}
	if !in.StartDate.Before(in.EndDate) {
		return api.Errorf(api.InvalidInput, "ceremony end date must come after the start date")
	}
	switch in.TimeoutMechanism {
	case types.TimeoutFixed, types.TimeoutDynamic:
	default:
		return api.Errorf(api.InvalidInput, "unknown timeout mechanism %q", in.TimeoutMechanism)
	}
	if in.PenaltySeconds <= 0 {
		return api.Errorf(api.InvalidInput, "penalty must be positive, got %d", in.PenaltySeconds)
	}
	if len(in.Circuits) == 0 {
		return api.Errorf(api.InvalidInput, "a ceremony requires at least one circuit")
	}
	positions := make([]int, 0, len(in.Circuits))
	for _, c := range in.Circuits {
		if c.Prefix == "" {
			return api.Errorf(api.InvalidInput, "circuit prefix must not be empty")
		}
		if in.TimeoutMechanism == types.TimeoutFixed && c.FixedTimeWindow <= 0 {
			return api.Errorf(api.InvalidInput,
				"circuit %s requires a positive fixed time window under the FIXED mechanism", c.Prefix)
		}
		switch c.Verification {
		case types.VerifyCF, types.VerifyVM:
		default:
			return api.Errorf(api.InvalidInput, "unknown verification mechanism %q on circuit %s", c.Verification, c.Prefix)
		}
		for _, p := range []string{c.PotPath, c.R1csPath, c.WasmPath, c.GenesisZkeyPath} {
			if !file.Exists(p) {
				return api.Errorf(api.InvalidInput, "circuit %s artifact %s does not exist", c.Prefix, p)
			}
		}
		positions = append(positions, c.SequencePosition)
	}
	sort.Ints(positions)
	for i, pos := range positions {
		if pos != i+1 {
			return api.Errorf(api.InvalidInput,
				"circuit sequence positions must be exactly 1..%d", len(in.Circuits))
		}
	}
	if _, err := s.cfg.DB.CeremonyByPrefix(ctx, in.Prefix); err == nil {
		return api.Errorf(api.Conflict, "a ceremony with prefix %q already exists", in.Prefix)
	} else if !errors.Is(err, iface.ErrNotFound) {
		return err
	}
	return nil
}

// SetupCeremony validates the input, provisions the bucket and verification
// instances, uploads the initial artifacts, and writes the documents. The
// new ceremony starts out SCHEDULED; the scheduler opens it at its start
// date.
func (s *Service) SetupCeremony(ctx context.Context, coordinatorID string, in *CeremonyInput) (*types.Ceremony, error) {
	if coordinatorID == "" {
		return nil, api.Errorf(api.Unauthenticated, "setup requires an authenticated coordinator")
	}
	if !params.Get().IsCoordinator(coordinatorID) {
		return nil, api.Errorf(api.Forbidden, "caller %s lacks the coordinator capability", coordinatorID)
	}
	if err := s.validate(ctx, in); err != nil {
		return nil, err
	}
	cfg := params.Get()
	bucket := types.BucketName(in.Prefix, cfg.CeremonyBucketPostfix)
	exists, err := s.cfg.BlobStore.BucketExists(ctx, bucket)
	if err != nil {
		return nil, api.Wrap(api.UpstreamUnavailable, err, "could not check ceremony bucket")
	}
	if exists {
		return nil, api.Errorf(api.Conflict, "bucket %s already exists", bucket)
	}
	if err := s.cfg.BlobStore.CreateBucket(ctx, bucket); err != nil {
		return nil, api.Wrap(api.UpstreamUnavailable, err, "could not create ceremony bucket")
	}

	ceremony := &types.Ceremony{
		ID:                       uuid.NewString(),
		Prefix:                   in.Prefix,
		Title:                    in.Title,
		Description:              in.Description,
		StartDate:                in.StartDate.UTC(),
		EndDate:                  in.EndDate.UTC(),
		State:                    types.CeremonyScheduled,
		CoordinatorID:            coordinatorID,
		TimeoutMechanism:         in.TimeoutMechanism,
		PenaltySeconds:           in.PenaltySeconds,
		DynamicTimeoutMultiplier: in.DynamicTimeoutMultiplier,
		LastUpdated:              s.now(),
	}
	circuits := make([]*types.Circuit, 0, len(in.Circuits))
	for _, ci := range in.Circuits {
		circuit, err := s.setupCircuit(ctx, ceremony, bucket, ci)
		if err != nil {
			s.rollback(ctx, circuits)
			return nil, err
		}
		circuits = append(circuits, circuit)
	}

	err = s.cfg.DB.RunTransaction(ctx, func(tx iface.Tx) error {
		if err := tx.SaveCeremony(ceremony); err != nil {
			return err
		}
		for _, c := range circuits {
			if err := tx.SaveCircuit(c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.rollback(ctx, circuits)
		if errors.Is(err, iface.ErrDuplicate) {
			return nil, api.Errorf(api.Conflict, "a ceremony with prefix %q already exists", in.Prefix)
		}
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"ceremony": ceremony.ID,
		"prefix":   ceremony.Prefix,
		"circuits": len(circuits),
	}).Info("Ceremony created")
	return ceremony, nil
}

// setupCircuit uploads one circuit's initial artifacts and, for the VM
// mechanism, provisions its dedicated verification instance.
func (s *Service) setupCircuit(ctx context.Context, ceremony *types.Ceremony, bucket string, in CircuitInput) (*types.Circuit, error) {
	cfg := params.Get()
	keys := types.CircuitFiles{
		PotStoragePath:         types.PotStorageKey(in.Prefix + ".ptau"),
		R1csStoragePath:        types.R1csStorageKey(in.Prefix),
		WasmStoragePath:        types.WasmStorageKey(in.Prefix),
		GenesisZkeyStoragePath: types.ContributionStorageKey(in.Prefix, types.GenesisZkeyIndex),
	}
	for _, up := range []struct{ key, path string }{
		{keys.PotStoragePath, in.PotPath},
		{keys.R1csStoragePath, in.R1csPath},
		{keys.WasmStoragePath, in.WasmPath},
		{keys.GenesisZkeyStoragePath, in.GenesisZkeyPath},
	} {
		if err := async.Retry(ctx, cfg.UpstreamRetryAttempts, cfg.UpstreamRetryBaseDelay, func() error {
			return s.cfg.BlobStore.UploadObject(ctx, bucket, up.key, up.path)
		}); err != nil {
			return nil, api.Wrap(api.UpstreamUnavailable, err, "could not upload circuit artifact")
		}
	}
	zkeySize, err := fileSize(in.GenesisZkeyPath)
	if err != nil {
		return nil, err
	}
	potSize, err := fileSize(in.PotPath)
	if err != nil {
		return nil, err
	}
	circuit := &types.Circuit{
		CeremonyID:       ceremony.ID,
		ID:               uuid.NewString(),
		SequencePosition: in.SequencePosition,
		Prefix:           in.Prefix,
		Metadata:         in.Metadata,
		ZKeySizeInBytes:  zkeySize,
		PotSizeInBytes:   potSize,
		FixedTimeWindow:  in.FixedTimeWindow,
		Verification:     types.VerificationConfig{Mechanism: in.Verification},
		Files:            keys,
		LastUpdated:      s.now(),
	}
	if in.Verification == types.VerifyVM {
		instanceID, err := s.cfg.Compute.CreateInstance(ctx, compute.InstanceSpec{
			Name:       ceremony.Prefix + "-" + in.Prefix + "-verifier",
			DiskSizeGB: compute.DiskSizeGB(zkeySize, potSize),
		})
		if err != nil {
			return nil, api.Wrap(api.UpstreamUnavailable, err, "could not provision verification instance")
		}
		if err := s.cfg.Compute.StartInstance(ctx, instanceID); err != nil {
			return nil, api.Wrap(api.UpstreamUnavailable, err, "could not start verification instance")
		}
		circuit.Verification.VMInstanceID = instanceID
	}
	return circuit, nil
}

// rollback releases instances provisioned for circuits that will not be
// persisted. Bucket contents are left in place; a retried setup with the
// same prefix is rejected on the bucket check.
func (s *Service) rollback(ctx context.Context, circuits []*types.Circuit) {
	for _, c := range circuits {
		if c.Verification.VMInstanceID == "" {
			continue
		}
		if err := s.cfg.Compute.TerminateInstance(ctx, c.Verification.VMInstanceID); err != nil {
			log.WithError(err).WithField("instance", c.Verification.VMInstanceID).
				Error("Could not terminate instance during setup rollback")
		}
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "could not stat %s", path)
	}
	return info.Size(), nil
}
