// Package tracestore keeps traces and what compiling them produced in a
// pebble database, keyed by trace fingerprint.
package tracestore

import (
	"errors"
	"fmt"

	"tracejit/pkg/ir"
	"tracejit/pkg/serializer"

	"github.com/cockroachdb/pebble"
)

var ErrNotFound = errors.New("trace not found")

// Key prefixes. Fingerprints follow the prefix.
const (
	prefixTrace byte = 't'
	prefixMeta  byte = 'm'
	prefixName  byte = 'n'
)

// Meta describes one compilation of a trace.
type Meta struct {
	Name       string
	CodeSize   serializer.Natural
	CodePages  serializer.Natural
	FrameDepth serializer.Natural
	Guards     serializer.Natural
	Bridges    []Bridge
	RunID      string
}

// Bridge records a bridge attached to one of the trace's guards.
type Bridge struct {
	GuardIndex serializer.Natural
	Trace      [32]byte
}

// Store is a pebble-backed catalogue of traces.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open trace store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func key(prefix byte, id []byte) []byte {
	return append([]byte{prefix}, id...)
}

// PutTrace stores t and indexes it by name. It returns the fingerprint.
func (s *Store) PutTrace(t *ir.Trace) ([32]byte, error) {
	b := s.NewBatch()
	defer b.Close()
	id := b.PutTrace(t)
	return id, b.Commit()
}

// GetTrace loads the trace with fingerprint id. tokens resolves jumps to
// other loops, as in ir.Decode.
func (s *Store) GetTrace(id [32]byte, tokens func(string) *ir.LoopToken) (*ir.Trace, error) {
	data, err := s.get(key(prefixTrace, id[:]))
	if err != nil {
		return nil, err
	}
	return ir.Decode(data, tokens)
}

// Lookup returns the fingerprint last stored under name.
func (s *Store) Lookup(name string) ([32]byte, error) {
	var id [32]byte
	data, err := s.get(key(prefixName, []byte(name)))
	if err != nil {
		return id, err
	}
	if len(data) != len(id) {
		return id, fmt.Errorf("name %q maps to %d bytes", name, len(data))
	}
	copy(id[:], data)
	return id, nil
}

// PutMeta records m for the trace with fingerprint id.
func (s *Store) PutMeta(id [32]byte, m *Meta) error {
	return s.db.Set(key(prefixMeta, id[:]), serializer.Serialize(m), pebble.Sync)
}

// GetMeta loads the metadata recorded for id.
func (s *Store) GetMeta(id [32]byte) (*Meta, error) {
	data, err := s.get(key(prefixMeta, id[:]))
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := serializer.Deserialize(data, &m); err != nil {
		return nil, fmt.Errorf("decode meta %x: %w", id[:8], err)
	}
	return &m, nil
}

// List returns the fingerprints of every stored trace in key order.
func (s *Store) List() ([][32]byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixTrace},
		UpperBound: []byte{prefixTrace + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids [][32]byte
	for iter.First(); iter.Valid(); iter.Next() {
		var id [32]byte
		copy(id[:], iter.Key()[1:])
		ids = append(ids, id)
	}
	return ids, iter.Error()
}

// Delete removes a trace, its metadata and its name entry when the name
// still points at it.
func (s *Store) Delete(id [32]byte, name string) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key(prefixTrace, id[:]), nil); err != nil {
		return err
	}
	if err := b.Delete(key(prefixMeta, id[:]), nil); err != nil {
		return err
	}
	if cur, err := s.Lookup(name); err == nil && cur == id {
		if err := b.Delete(key(prefixName, []byte(name)), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *Store) get(k []byte) ([]byte, error) {
	val, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Batch groups writes so a loop and its bridges land together.
type Batch struct {
	b   *pebble.Batch
	err error
}

func (s *Store) NewBatch() *Batch {
	return &Batch{b: s.db.NewBatch()}
}

// PutTrace queues t and its name entry and returns the fingerprint.
func (b *Batch) PutTrace(t *ir.Trace) [32]byte {
	data := ir.Encode(t)
	id := ir.Fingerprint(t)
	b.set(key(prefixTrace, id[:]), data)
	b.set(key(prefixName, []byte(t.Name)), id[:])
	return id
}

// PutMeta queues m for id.
func (b *Batch) PutMeta(id [32]byte, m *Meta) {
	b.set(key(prefixMeta, id[:]), serializer.Serialize(m))
}

func (b *Batch) set(k, v []byte) {
	if b.err == nil {
		b.err = b.b.Set(k, v, nil)
	}
}

// Commit writes the batch. The first queued error, if any, wins.
func (b *Batch) Commit() error {
	if b.err != nil {
		return b.err
	}
	return b.b.Commit(pebble.Sync)
}

func (b *Batch) Close() error {
	return b.b.Close()
}
