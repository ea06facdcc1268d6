package kv

import (
	"context"

	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"

	"github.com/zkmpc/coordinator/coordinator/types"
)

// Timeouts returns every timeout recorded for a participant, oldest first.
func (s *Store) Timeouts(ctx context.Context, ceremonyID, participantID string) ([]*types.Timeout, error) {
	_, span := trace.StartSpan(ctx, "coordinatorDB.Timeouts")
	defer span.End()
	var out []*types.Timeout
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = (&storeTx{tx: tx}).Timeouts(ceremonyID, participantID)
		return err
	})
	return out, err
}

// SaveTimeout writes a timeout record.
func (s *Store) SaveTimeout(ctx context.Context, t *types.Timeout) error {
	_, span := trace.StartSpan(ctx, "coordinatorDB.SaveTimeout")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return (&storeTx{tx: tx}).SaveTimeout(t)
	})
}
