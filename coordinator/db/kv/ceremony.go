package kv

import (
	"context"

	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"

	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/types"
)

// Ceremony retrieves a ceremony document by id.
func (s *Store) Ceremony(ctx context.Context, ceremonyID string) (*types.Ceremony, error) {
	_, span := trace.StartSpan(ctx, "coordinatorDB.Ceremony")
	defer span.End()
	var ceremony *types.Ceremony
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ceremony, err = (&storeTx{tx: tx}).Ceremony(ceremonyID)
		return err
	})
	return ceremony, err
}

// CeremonyByPrefix resolves a ceremony through the prefix uniqueness index.
func (s *Store) CeremonyByPrefix(ctx context.Context, prefix string) (*types.Ceremony, error) {
	_, span := trace.StartSpan(ctx, "coordinatorDB.CeremonyByPrefix")
	defer span.End()
	var ceremony *types.Ceremony
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(ceremonyPrefixIndexBucket).Get([]byte(prefix))
		if id == nil {
			return iface.ErrNotFound
		}
		var err error
		ceremony, err = (&storeTx{tx: tx}).Ceremony(string(id))
		return err
	})
	return ceremony, err
}

// Ceremonies returns every ceremony document in the store.
func (s *Store) Ceremonies(ctx context.Context) ([]*types.Ceremony, error) {
	_, span := trace.StartSpan(ctx, "coordinatorDB.Ceremonies")
	defer span.End()
	var out []*types.Ceremony
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ceremoniesBucket).ForEach(func(_, v []byte) error {
			c := &types.Ceremony{}
			if err := decode(v, c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// SaveCeremony writes a ceremony document.
func (s *Store) SaveCeremony(ctx context.Context, c *types.Ceremony) error {
	_, span := trace.StartSpan(ctx, "coordinatorDB.SaveCeremony")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return (&storeTx{tx: tx}).SaveCeremony(c)
	})
}

// DeleteCeremony removes a ceremony and its owned circuits, participants,
// contributions, and timeouts in one transaction.
func (s *Store) DeleteCeremony(ctx context.Context, ceremonyID string) error {
	_, span := trace.StartSpan(ctx, "coordinatorDB.DeleteCeremony")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		ceremony := tx.Bucket(ceremoniesBucket).Get([]byte(ceremonyID))
		if ceremony == nil {
			return iface.ErrNotFound
		}
		c := &types.Ceremony{}
		if err := decode(ceremony, c); err != nil {
			return err
		}
		if err := tx.Bucket(ceremonyPrefixIndexBucket).Delete([]byte(c.Prefix)); err != nil {
			return err
		}
		if err := tx.Bucket(ceremoniesBucket).Delete([]byte(ceremonyID)); err != nil {
			return err
		}
		owned := [][]byte{circuitsBucket, participantsBucket, timeoutsBucket, contributionCircuitIndexBucket}
		for _, name := range owned {
			bkt := tx.Bucket(name)
			var keys, vals [][]byte
			if err := prefixScan(bkt, []byte(ceremonyID+keySeparator), func(k, v []byte) error {
				keys = append(keys, append([]byte(nil), k...))
				vals = append(vals, append([]byte(nil), v...))
				return nil
			}); err != nil {
				return err
			}
			for i, k := range keys {
				if string(name) == string(contributionCircuitIndexBucket) {
					if err := tx.Bucket(contributionsBucket).Delete(vals[i]); err != nil {
						return err
					}
				}
				if err := bkt.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
