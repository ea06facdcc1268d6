// Package iface exposes the metadata store interface consumed by every
// coordinator service. Implementations must serialize writes per document
// and support multi-document transactions.
package iface

import (
	"context"
	"io"

	"github.com/zkmpc/coordinator/coordinator/types"
)

// ReadOnlyDatabase defines the read surface of the metadata store.
type ReadOnlyDatabase interface {
	Ceremony(ctx context.Context, ceremonyID string) (*types.Ceremony, error)
	CeremonyByPrefix(ctx context.Context, prefix string) (*types.Ceremony, error)
	Ceremonies(ctx context.Context) ([]*types.Ceremony, error)
	Circuit(ctx context.Context, ceremonyID, circuitID string) (*types.Circuit, error)
	Circuits(ctx context.Context, ceremonyID string) ([]*types.Circuit, error)
	Participant(ctx context.Context, ceremonyID, userID string) (*types.Participant, error)
	Participants(ctx context.Context, ceremonyID string) ([]*types.Participant, error)
	Contribution(ctx context.Context, contributionID string) (*types.Contribution, error)
	ContributionsByCircuit(ctx context.Context, ceremonyID, circuitID string) ([]*types.Contribution, error)
	Timeouts(ctx context.Context, ceremonyID, participantID string) ([]*types.Timeout, error)
}

// Tx is a read-write view inside one atomic transaction. All mutations made
// through a Tx commit together or not at all.
type Tx interface {
	Ceremony(ceremonyID string) (*types.Ceremony, error)
	SaveCeremony(c *types.Ceremony) error
	Circuit(ceremonyID, circuitID string) (*types.Circuit, error)
	Circuits(ceremonyID string) ([]*types.Circuit, error)
	SaveCircuit(c *types.Circuit) error
	Participant(ceremonyID, userID string) (*types.Participant, error)
	SaveParticipant(p *types.Participant) error
	Contribution(contributionID string) (*types.Contribution, error)
	SaveContribution(c *types.Contribution) error
	ContributionsByCircuit(ceremonyID, circuitID string) ([]*types.Contribution, error)
	Timeouts(ceremonyID, participantID string) ([]*types.Timeout, error)
	SaveTimeout(t *types.Timeout) error
}

// Database defines the full metadata store contract.
type Database interface {
	ReadOnlyDatabase
	io.Closer
	SaveCeremony(ctx context.Context, c *types.Ceremony) error
	SaveCircuit(ctx context.Context, c *types.Circuit) error
	SaveParticipant(ctx context.Context, p *types.Participant) error
	SaveContribution(ctx context.Context, c *types.Contribution) error
	SaveTimeout(ctx context.Context, t *types.Timeout) error
	DeleteCeremony(ctx context.Context, ceremonyID string) error
	// RunTransaction executes fn atomically with respect to every other
	// mutation on the store.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	DatabasePath() string
	Backup(ctx context.Context, outputDir string, permissionOverride bool) error
}
