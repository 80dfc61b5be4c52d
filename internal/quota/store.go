package quota

import (
	"context"
	"sort"
	"sync"
)

// Store persists quota records. Versions are opaque and change on every write.
type Store interface {
	Get(ctx context.Context, identifier string) (Record, uint64, error)
	FindByKey(ctx context.Context, key string) (Record, uint64, error)
	Insert(ctx context.Context, r Record) error
	// CompareAndSwap replaces the record stored under next.Identifier if its
	// version still equals version, and returns ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, version uint64, next Record) error
	List(ctx context.Context) ([]Record, error)
}

type memEntry struct {
	rec     Record
	version uint64
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]memEntry
	byKey   map[string]string
	version uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]memEntry), byKey: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, identifier string) (Record, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[identifier]
	if !ok {
		return Record{}, 0, ErrNotFound
	}
	return e.rec, e.version, nil
}

func (s *MemoryStore) FindByKey(ctx context.Context, key string) (Record, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return Record{}, 0, ErrNotFound
	}
	e := s.byID[id]
	return e.rec, e.version, nil
}

func (s *MemoryStore) Insert(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.Identifier]; ok {
		return ErrExists
	}
	if _, ok := s.byKey[r.Key]; ok {
		return ErrKeyInUse
	}
	s.version++
	s.byID[r.Identifier] = memEntry{rec: r, version: s.version}
	s.byKey[r.Key] = r.Identifier
	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, version uint64, next Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[next.Identifier]
	if !ok {
		return ErrNotFound
	}
	if cur.version != version {
		return ErrConflict
	}
	if next.Key != cur.rec.Key {
		if owner, taken := s.byKey[next.Key]; taken && owner != next.Identifier {
			return ErrKeyInUse
		}
		delete(s.byKey, cur.rec.Key)
		s.byKey[next.Key] = next.Identifier
	}
	s.version++
	s.byID[next.Identifier] = memEntry{rec: next, version: s.version}
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}
