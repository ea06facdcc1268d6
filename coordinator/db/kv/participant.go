package kv

import (
	"context"

	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"

	"github.com/zkmpc/coordinator/coordinator/types"
)

// Participant retrieves one participant document.
func (s *Store) Participant(ctx context.Context, ceremonyID, userID string) (*types.Participant, error) {
	_, span := trace.StartSpan(ctx, "coordinatorDB.Participant")
	defer span.End()
	var participant *types.Participant
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		participant, err = (&storeTx{tx: tx}).Participant(ceremonyID, userID)
		return err
	})
	return participant, err
}

// Participants returns every participant registered to a ceremony.
func (s *Store) Participants(ctx context.Context, ceremonyID string) ([]*types.Participant, error) {
	_, span := trace.StartSpan(ctx, "coordinatorDB.Participants")
	defer span.End()
	var out []*types.Participant
	err := s.db.View(func(tx *bolt.Tx) error {
		return prefixScan(tx.Bucket(participantsBucket), []byte(ceremonyID+keySeparator), func(_, v []byte) error {
			p := &types.Participant{}
			if err := decode(v, p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// SaveParticipant writes a participant document.
func (s *Store) SaveParticipant(ctx context.Context, p *types.Participant) error {
	_, span := trace.StartSpan(ctx, "coordinatorDB.SaveParticipant")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return (&storeTx{tx: tx}).SaveParticipant(p)
	})
}
