package dht

import (
	"sync"
	"time"

	"github.com/kadcore/dhtnode/infohash"
)

// Storage is the top-level collection of KeyStorage entries for one
// node, enforcing the MaxHashes key-count cap and a byte-budget shared
// across every key. Grounded on SPEC_FULL.md §4.3's top-level quota
// rule; nothing in the teacher models value storage (mainline DHT only
// ever stores peer contacts), so this type is original to this rewrite.
type Storage struct {
	mu       sync.Mutex
	byKey    map[infohash.InfoHash]*KeyStorage
	total    int
	maxTotal int
	types    map[int]ValueType
}

// NewStorage returns an empty Storage with the given byte ceiling.
func NewStorage(maxTotal int) *Storage {
	s := &Storage{
		byKey:    make(map[infohash.InfoHash]*KeyStorage),
		maxTotal: maxTotal,
		types:    map[int]ValueType{UserDataType.ID: UserDataType},
	}
	return s
}

// RegisterType makes a ValueType known to this storage, e.g. for a
// custom overwrite policy.
func (s *Storage) RegisterType(t ValueType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[t.ID] = t
}

// SetLimit updates the byte ceiling live. Bytes already stored above the
// new limit are not evicted; only new writes are refused.
func (s *Storage) SetLimit(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxTotal = bytes
}

// Store admits v under key, enforcing both the per-key and top-level
// quotas and the MaxHashes distinct-key cap.
func (s *Storage) Store(key infohash.InfoHash, v *Value, created time.Time) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks, ok := s.byKey[key]
	if !ok {
		if len(s.byKey) >= MaxHashes {
			return StoreResult{}, &ErrQuotaExceeded{}
		}
		ks = newKeyStorage(key)
	}

	sizeLeft := s.maxTotal - s.total
	res, err := ks.Store(v, created, sizeLeft, s.types)
	if err != nil {
		return res, err
	}
	s.total += res.DeltaSize
	if !ok {
		s.byKey[key] = ks
	}
	return res, nil
}

// Get returns the KeyStorage for key, if any exists.
func (s *Storage) Get(key infohash.InfoHash) (*KeyStorage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.byKey[key]
	return ks, ok
}

// GetOrCreate returns the KeyStorage for key, creating an empty one for
// local-listener registration ahead of any puts. A created key is
// registered at once and counts toward MaxHashes and the key count that
// TotalSize reports.
func (s *Storage) GetOrCreate(key infohash.InfoHash) *KeyStorage {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.byKey[key]
	if !ok {
		ks = newKeyStorage(key)
		s.byKey[key] = ks
	}
	return ks
}

// Expire sweeps every key's storage for expired values, freeing space
// from the top-level budget, and drops keys left with no values.
func (s *Storage) Expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ks := range s.byKey {
		freed, _ := ks.Expire(now, s.types)
		s.total -= freed
		if ks.Len() == 0 && len(ks.localListeners) == 0 {
			delete(s.byKey, key)
		}
	}
}

// TotalSize returns (total bytes, total distinct keys) currently stored.
func (s *Storage) TotalSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, len(s.byKey)
}

// Export returns every key's raw values, for persistence across
// restarts (SPEC_FULL.md §6's "Values export format").
func (s *Storage) Export() map[infohash.InfoHash][]*Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[infohash.InfoHash][]*Value, len(s.byKey))
	for key, ks := range s.byKey {
		out[key] = ks.Values()
	}
	return out
}

// Import bulk-loads previously exported values back into storage,
// bypassing quota checks since they were already admitted once.
func (s *Storage) Import(key infohash.InfoHash, values []*Value, created time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.byKey[key]
	if !ok {
		ks = newKeyStorage(key)
		s.byKey[key] = ks
	}
	for _, v := range values {
		ks.values = append(ks.values, storedValue{value: v, created: created})
		s.total += v.Size()
	}
}
