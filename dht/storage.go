package dht

import (
	"time"

	"github.com/kadcore/dhtnode/infohash"
)

// ValueType describes a class of stored values: how long they live and
// whether a new payload may overwrite an existing one with the same id.
// The distilled spec defers the overwrite policy to "a type-defined
// predicate"; this rewrite makes that predicate a field, per the Open
// Question decision recorded in DESIGN.md.
type ValueType struct {
	ID         int
	Expiration time.Duration
	// StoreOK reports whether newVal may replace oldVal (same Value.ID,
	// different payload). A nil StoreOK always allows overwrite.
	StoreOK func(oldVal, newVal *Value) bool
}

// UserDataExpiration is OpenDHT's default "UserData" type expiration and
// the fallback for values of unrecognized type (SPEC_FULL.md §4.3's
// UnknownType handling: stored as opaque USER_DATA with default
// expiration rather than rejected outright).
const UserDataExpiration = 10 * time.Minute

// UserDataType is the built-in catch-all type: always overwritable,
// matching OpenDHT's default last-write-wins UserData policy.
var UserDataType = ValueType{ID: 0, Expiration: UserDataExpiration}

func (t ValueType) storeOK(oldVal, newVal *Value) bool {
	if t.StoreOK == nil {
		return true
	}
	return t.StoreOK(oldVal, newVal)
}

// Value is one stored item: an opaque payload keyed by its own id
// (distinct from the key it is stored under), typed for expiration and
// overwrite-policy purposes.
type Value struct {
	ID      uint64
	Type    int
	Payload []byte
}

// Size is the accounting size of v for quota purposes.
func (v *Value) Size() int { return len(v.Payload) }

func (v *Value) equalPayload(other *Value) bool {
	if len(v.Payload) != len(other.Payload) {
		return false
	}
	for i := range v.Payload {
		if v.Payload[i] != other.Payload[i] {
			return false
		}
	}
	return true
}

type storedValue struct {
	value   *Value
	created time.Time
}

// Listener is a foreign peer subscribed to updates on a key, refreshed
// by repeated listen requests and expiring after ListenExpireTime
// without one.
type Listener struct {
	ID         infohash.InfoHash
	Addr       string
	RequestID  string
	ReceivedAt time.Time
}

func (l *Listener) expired(now time.Time) bool {
	return now.Sub(l.ReceivedAt) > ListenExpireTime
}

// Filter decides whether a value should be delivered to a particular
// local listener.
type Filter func(*Value) bool

// AcceptAll is the default Filter: every value passes.
func AcceptAll(*Value) bool { return true }

// LocalListener is a host-application subscription on a key.
type LocalListener struct {
	Token  uint64
	Filter Filter
	Notify func([]*Value)
}

// KeyStorage holds every value stored under one key, its quota
// accounting, and its listener fan-out. Grounded on SPEC_FULL.md §4.3,
// generalized from the teacher's value-free mainline-DHT peer storage
// (which only ever stores peer contacts) to typed, expiring, listener-
// visible values.
type KeyStorage struct {
	Key             infohash.InfoHash
	values          []storedValue
	TotalBytes      int
	MaintenanceTime time.Time

	listeners      []*Listener
	localListeners []*LocalListener
	nextLocalToken uint64
}

func newKeyStorage(key infohash.InfoHash) *KeyStorage {
	return &KeyStorage{Key: key}
}

// StoreResult reports the outcome of a Store call: which slot the value
// landed in, and the delta to total size/count for top-level quota
// accounting.
type StoreResult struct {
	Index     int
	DeltaSize int
	DeltaCount int
	Notify    bool // true if listeners should be notified of a changed payload
}

// ErrQuotaExceeded is returned when a store would exceed the size left
// available to it.
type ErrQuotaExceeded struct{}

func (ErrQuotaExceeded) Error() string { return "dht: quota exceeded" }

// Store admits v into the key's storage, or rejects it per
// SPEC_FULL.md §4.3: too large for sizeLeft, or (if not nil) the type's
// overwrite policy forbidding replacement of an existing same-id value
// with a different payload.
func (s *KeyStorage) Store(v *Value, created time.Time, sizeLeft int, types map[int]ValueType) (StoreResult, error) {
	typ, ok := types[v.Type]
	if !ok {
		typ = UserDataType
	}

	for i := range s.values {
		if s.values[i].value.ID != v.ID {
			continue
		}
		old := s.values[i].value
		if old.equalPayload(v) {
			s.values[i].created = created
			return StoreResult{Index: i}, nil
		}
		if !typ.storeOK(old, v) {
			return StoreResult{}, &ErrQuotaExceeded{}
		}
		delta := v.Size() - old.Size()
		if delta > sizeLeft {
			return StoreResult{}, &ErrQuotaExceeded{}
		}
		s.values[i] = storedValue{value: v, created: created}
		s.TotalBytes += delta
		return StoreResult{Index: i, DeltaSize: delta, Notify: true}, nil
	}

	if len(s.values) >= MaxValues {
		return StoreResult{}, &ErrQuotaExceeded{}
	}
	if v.Size() > sizeLeft {
		return StoreResult{}, &ErrQuotaExceeded{}
	}
	s.values = append(s.values, storedValue{value: v, created: created})
	s.TotalBytes += v.Size()
	return StoreResult{Index: len(s.values) - 1, DeltaSize: v.Size(), DeltaCount: 1, Notify: true}, nil
}

// Expire removes every value whose type-specific expiration has elapsed
// as of now, returning the freed (bytes, count).
func (s *KeyStorage) Expire(now time.Time, types map[int]ValueType) (int, int) {
	var kept []storedValue
	freedBytes, freedCount := 0, 0
	for _, sv := range s.values {
		typ, ok := types[sv.value.Type]
		if !ok {
			typ = UserDataType
		}
		if sv.created.Add(typ.Expiration).Before(now) || sv.created.Add(typ.Expiration).Equal(now) {
			freedBytes += sv.value.Size()
			freedCount++
			continue
		}
		kept = append(kept, sv)
	}
	s.values = kept
	s.TotalBytes -= freedBytes
	return freedBytes, freedCount
}

// Values returns every currently-stored value.
func (s *KeyStorage) Values() []*Value {
	out := make([]*Value, len(s.values))
	for i, sv := range s.values {
		out[i] = sv.value
	}
	return out
}

// GetByID returns the stored value with the given id, if any.
func (s *KeyStorage) GetByID(id uint64) (*Value, bool) {
	for _, sv := range s.values {
		if sv.value.ID == id {
			return sv.value, true
		}
	}
	return nil, false
}

// Len reports the number of values currently stored under this key.
func (s *KeyStorage) Len() int { return len(s.values) }

// AddListener registers or refreshes a foreign listener for this key.
func (s *KeyStorage) AddListener(l *Listener) {
	for i, existing := range s.listeners {
		if existing.ID == l.ID {
			s.listeners[i] = l
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

// ExpireListeners drops foreign listeners that haven't refreshed within
// ListenExpireTime, returning those that survive.
func (s *KeyStorage) ExpireListeners(now time.Time) []*Listener {
	var kept []*Listener
	for _, l := range s.listeners {
		if !l.expired(now) {
			kept = append(kept, l)
		}
	}
	s.listeners = kept
	return kept
}

// AddLocalListener registers a host-application subscription, returning
// a token that cancelListen later uses to remove it.
func (s *KeyStorage) AddLocalListener(filter Filter, notify func([]*Value)) uint64 {
	s.nextLocalToken++
	s.localListeners = append(s.localListeners, &LocalListener{
		Token: s.nextLocalToken, Filter: filter, Notify: notify,
	})
	return s.nextLocalToken
}

// RemoveLocalListener removes the local listener registered under token.
func (s *KeyStorage) RemoveLocalListener(token uint64) {
	for i, l := range s.localListeners {
		if l.Token == token {
			s.localListeners = append(s.localListeners[:i], s.localListeners[i+1:]...)
			return
		}
	}
}

// NotifyLocal delivers v to every local listener whose filter accepts it.
func (s *KeyStorage) NotifyLocal(v *Value) {
	for _, l := range s.localListeners {
		filter := l.Filter
		if filter == nil {
			filter = AcceptAll
		}
		if filter(v) {
			l.Notify([]*Value{v})
		}
	}
}
