package kv

import (
	"context"

	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"

	"github.com/zkmpc/coordinator/coordinator/types"
)

// Contribution retrieves a contribution document by id.
func (s *Store) Contribution(ctx context.Context, contributionID string) (*types.Contribution, error) {
	_, span := trace.StartSpan(ctx, "coordinatorDB.Contribution")
	defer span.End()
	var contribution *types.Contribution
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		contribution, err = (&storeTx{tx: tx}).Contribution(contributionID)
		return err
	})
	return contribution, err
}

// ContributionsByCircuit returns a circuit's contributions in creation order.
func (s *Store) ContributionsByCircuit(ctx context.Context, ceremonyID, circuitID string) ([]*types.Contribution, error) {
	_, span := trace.StartSpan(ctx, "coordinatorDB.ContributionsByCircuit")
	defer span.End()
	var out []*types.Contribution
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = (&storeTx{tx: tx}).ContributionsByCircuit(ceremonyID, circuitID)
		return err
	})
	return out, err
}

// SaveContribution writes a contribution document.
func (s *Store) SaveContribution(ctx context.Context, c *types.Contribution) error {
	_, span := trace.StartSpan(ctx, "coordinatorDB.SaveContribution")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return (&storeTx{tx: tx}).SaveContribution(c)
	})
}
