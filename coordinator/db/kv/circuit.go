package kv

import (
	"context"

	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"

	"github.com/zkmpc/coordinator/coordinator/types"
)

// Circuit retrieves one circuit document.
func (s *Store) Circuit(ctx context.Context, ceremonyID, circuitID string) (*types.Circuit, error) {
	_, span := trace.StartSpan(ctx, "coordinatorDB.Circuit")
	defer span.End()
	var circuit *types.Circuit
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		circuit, err = (&storeTx{tx: tx}).Circuit(ceremonyID, circuitID)
		return err
	})
	return circuit, err
}

// Circuits returns a ceremony's circuits ordered by sequence position.
func (s *Store) Circuits(ctx context.Context, ceremonyID string) ([]*types.Circuit, error) {
	_, span := trace.StartSpan(ctx, "coordinatorDB.Circuits")
	defer span.End()
	var out []*types.Circuit
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = (&storeTx{tx: tx}).Circuits(ceremonyID)
		return err
	})
	return out, err
}

// SaveCircuit writes a circuit document.
func (s *Store) SaveCircuit(ctx context.Context, c *types.Circuit) error {
	_, span := trace.StartSpan(ctx, "coordinatorDB.SaveCircuit")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return (&storeTx{tx: tx}).SaveCircuit(c)
	})
}
