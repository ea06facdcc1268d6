package kv

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/types"
)

// storeTx adapts a bolt transaction to the typed iface.Tx contract. Every
// mutation performed through it commits atomically with the rest of the
// enclosing transaction.
type storeTx struct {
	tx *bolt.Tx
}

var _ iface.Tx = (*storeTx)(nil)

func circuitKey(ceremonyID, circuitID string) []byte {
	return []byte(ceremonyID + keySeparator + circuitID)
}

func participantKey(ceremonyID, userID string) []byte {
	return []byte(ceremonyID + keySeparator + userID)
}

func contributionIndexKey(c *types.Contribution) []byte {
	// Nanosecond creation time keeps the index iteration in creation order.
	return []byte(fmt.Sprintf("%s%s%s%s%020d%s%s",
		c.CeremonyID, keySeparator, c.CircuitID, keySeparator, c.CreatedAt.UnixNano(), keySeparator, c.ID))
}

func timeoutKey(t *types.Timeout) []byte {
	return []byte(fmt.Sprintf("%s%s%s%s%020d",
		t.CeremonyID, keySeparator, t.ParticipantID, keySeparator, t.StartDate.UnixNano()))
}

func prefixScan(bkt *bolt.Bucket, prefix []byte, fn func(k, v []byte) error) error {
	c := bkt.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Ceremony fetches a ceremony document by id.
func (s *storeTx) Ceremony(ceremonyID string) (*types.Ceremony, error) {
	enc := s.tx.Bucket(ceremoniesBucket).Get([]byte(ceremonyID))
	if enc == nil {
		return nil, iface.ErrNotFound
	}
	ceremony := &types.Ceremony{}
	if err := decode(enc, ceremony); err != nil {
		return nil, err
	}
	return ceremony, nil
}

// SaveCeremony writes a ceremony document and maintains the prefix
// uniqueness index.
func (s *storeTx) SaveCeremony(c *types.Ceremony) error {
	idxBkt := s.tx.Bucket(ceremonyPrefixIndexBucket)
	if existing := idxBkt.Get([]byte(c.Prefix)); existing != nil && string(existing) != c.ID {
		return iface.ErrDuplicate
	}
	c.LastUpdated = time.Now().UTC()
	enc, err := encode(c)
	if err != nil {
		return err
	}
	if err := idxBkt.Put([]byte(c.Prefix), []byte(c.ID)); err != nil {
		return err
	}
	return s.tx.Bucket(ceremoniesBucket).Put([]byte(c.ID), enc)
}

// Circuit fetches a circuit document.
func (s *storeTx) Circuit(ceremonyID, circuitID string) (*types.Circuit, error) {
	enc := s.tx.Bucket(circuitsBucket).Get(circuitKey(ceremonyID, circuitID))
	if enc == nil {
		return nil, iface.ErrNotFound
	}
	circuit := &types.Circuit{}
	if err := decode(enc, circuit); err != nil {
		return nil, err
	}
	return circuit, nil
}

// Circuits returns a ceremony's circuits ordered by sequence position.
func (s *storeTx) Circuits(ceremonyID string) ([]*types.Circuit, error) {
	var out []*types.Circuit
	err := prefixScan(s.tx.Bucket(circuitsBucket), []byte(ceremonyID+keySeparator), func(_, v []byte) error {
		c := &types.Circuit{}
		if err := decode(v, c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequencePosition < out[j].SequencePosition
	})
	return out, nil
}

// SaveCircuit writes a circuit document.
func (s *storeTx) SaveCircuit(c *types.Circuit) error {
	c.LastUpdated = time.Now().UTC()
	enc, err := encode(c)
	if err != nil {
		return err
	}
	return s.tx.Bucket(circuitsBucket).Put(circuitKey(c.CeremonyID, c.ID), enc)
}

// Participant fetches a participant document.
func (s *storeTx) Participant(ceremonyID, userID string) (*types.Participant, error) {
	enc := s.tx.Bucket(participantsBucket).Get(participantKey(ceremonyID, userID))
	if enc == nil {
		return nil, iface.ErrNotFound
	}
	participant := &types.Participant{}
	if err := decode(enc, participant); err != nil {
		return nil, err
	}
	return participant, nil
}

// SaveParticipant writes a participant document.
func (s *storeTx) SaveParticipant(p *types.Participant) error {
	p.LastUpdated = time.Now().UTC()
	enc, err := encode(p)
	if err != nil {
		return err
	}
	return s.tx.Bucket(participantsBucket).Put(participantKey(p.CeremonyID, p.UserID), enc)
}

// Contribution fetches a contribution document by id.
func (s *storeTx) Contribution(contributionID string) (*types.Contribution, error) {
	enc := s.tx.Bucket(contributionsBucket).Get([]byte(contributionID))
	if enc == nil {
		return nil, iface.ErrNotFound
	}
	contribution := &types.Contribution{}
	if err := decode(enc, contribution); err != nil {
		return nil, err
	}
	return contribution, nil
}

// SaveContribution writes a contribution document and maintains the
// per-circuit creation-ordered index.
func (s *storeTx) SaveContribution(c *types.Contribution) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.LastUpdated = time.Now().UTC()
	enc, err := encode(c)
	if err != nil {
		return err
	}
	if err := s.tx.Bucket(contributionCircuitIndexBucket).Put(contributionIndexKey(c), []byte(c.ID)); err != nil {
		return err
	}
	return s.tx.Bucket(contributionsBucket).Put([]byte(c.ID), enc)
}

// ContributionsByCircuit returns the circuit's contributions in creation
// order.
func (s *storeTx) ContributionsByCircuit(ceremonyID, circuitID string) ([]*types.Contribution, error) {
	var out []*types.Contribution
	prefix := []byte(ceremonyID + keySeparator + circuitID + keySeparator)
	err := prefixScan(s.tx.Bucket(contributionCircuitIndexBucket), prefix, func(_, id []byte) error {
		c, err := s.Contribution(string(id))
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// Timeouts returns every timeout recorded for a participant, oldest first.
func (s *storeTx) Timeouts(ceremonyID, participantID string) ([]*types.Timeout, error) {
	var out []*types.Timeout
	prefix := []byte(ceremonyID + keySeparator + participantID + keySeparator)
	err := prefixScan(s.tx.Bucket(timeoutsBucket), prefix, func(_, v []byte) error {
		t := &types.Timeout{}
		if err := decode(v, t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

// SaveTimeout writes a timeout record.
func (s *storeTx) SaveTimeout(t *types.Timeout) error {
	enc, err := encode(t)
	if err != nil {
		return err
	}
	return s.tx.Bucket(timeoutsBucket).Put(timeoutKey(t), enc)
}
