// Package profile keeps a persistent log of compile requests and their
// outcomes, keyed by trace fingerprint, so traces can be replayed and
// compared across runs.
package profile

import (
	"bytes"
	"fmt"
	"log"
	"time"

	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// Record is one logged compile.
type Record struct {
	Fingerprint trace.Fingerprint `cbor:"1,keyasint"`
	Target      string            `cbor:"2,keyasint"`
	Descriptor  *trace.Descriptor `cbor:"3,keyasint"`
	// Installed is false for a request that failed; Reason and Kind then
	// name the failure.
	Installed  bool                `cbor:"4,keyasint"`
	Kind       string              `cbor:"5,keyasint,omitempty"`
	Reason     string              `cbor:"6,keyasint,omitempty"`
	CodeSize   int                 `cbor:"7,keyasint,omitempty"`
	CellCounts [chain.NumKinds]int `cbor:"8,keyasint"`
	LoopMode   bool                `cbor:"9,keyasint,omitempty"`
	Recompiled bool                `cbor:"10,keyasint,omitempty"`
	// CodeDigest is the blake2b-256 of the fragment image.
	CodeDigest [32]byte `cbor:"11,keyasint"`
	RequestID  string   `cbor:"12,keyasint,omitempty"`
	CompiledAt int64    `cbor:"13,keyasint"`
	// Compiles counts how often this fingerprint was logged.
	Compiles int `cbor:"14,keyasint"`
}

func (r *Record) String() string {
	if !r.Installed {
		return fmt.Sprintf("%s %s %s/%s", r.Fingerprint.Short(), r.Target, r.Kind, r.Reason)
	}
	return fmt.Sprintf("%s %s %d bytes %v", r.Fingerprint.Short(), r.Target, r.CodeSize, r.CellCounts)
}

// Time returns when the record was last written.
func (r *Record) Time() time.Time { return time.Unix(0, r.CompiledAt) }

// Digest hashes a fragment image.
func Digest(code []byte) [32]byte { return blake2b.Sum256(code) }

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("profile: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Marshal encodes r canonically.
func Marshal(r *Record) ([]byte, error) {
	return encMode.Marshal(r)
}

// Unmarshal decodes a record.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("profile: unmarshal record: %w", err)
	}
	return &r, nil
}

var recordPrefix = []byte("trace/")

func recordKey(fp trace.Fingerprint) []byte {
	return append(append([]byte{}, recordPrefix...), fp[:]...)
}

// Store is a pebble-backed compile log.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the log at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("profile: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Put writes r, replacing any record with the same fingerprint. The compile
// count carries over from the replaced record.
func (s *Store) Put(r *Record) error {
	if prev, err := s.Get(r.Fingerprint); err == nil {
		r.Compiles = prev.Compiles
	} else if err != pebble.ErrNotFound {
		return err
	}
	r.Compiles++
	if r.CompiledAt == 0 {
		r.CompiledAt = time.Now().UnixNano()
	}
	data, err := Marshal(r)
	if err != nil {
		return err
	}
	if err := s.db.Set(recordKey(r.Fingerprint), data, pebble.NoSync); err != nil {
		return fmt.Errorf("profile: put %s: %w", r.Fingerprint.Short(), err)
	}
	return nil
}

// Get returns the record for fp, or pebble.ErrNotFound.
func (s *Store) Get(fp trace.Fingerprint) (*Record, error) {
	data, closer, err := s.db.Get(recordKey(fp))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return Unmarshal(data)
}

// Delete removes the record for fp.
func (s *Store) Delete(fp trace.Fingerprint) error {
	return s.db.Delete(recordKey(fp), pebble.NoSync)
}

// Each calls fn for every record in fingerprint order until fn returns
// false. Records that fail to decode are logged and skipped.
func (s *Store) Each(fn func(*Record) bool) error {
	upper := append([]byte{}, recordPrefix...)
	upper[len(upper)-1]++
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: recordPrefix, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if !bytes.HasPrefix(it.Key(), recordPrefix) {
			break
		}
		r, err := Unmarshal(it.Value())
		if err != nil {
			log.Printf("[profile] skipping %x: %v", it.Key()[len(recordPrefix):], err)
			continue
		}
		if !fn(r) {
			break
		}
	}
	return it.Error()
}

// Records returns every logged record.
func (s *Store) Records() ([]*Record, error) {
	var out []*Record
	err := s.Each(func(r *Record) bool {
		out = append(out, r)
		return true
	})
	return out, err
}

// Flush makes every write durable.
func (s *Store) Flush() error { return s.db.Flush() }

func (s *Store) Close() error { return s.db.Close() }
