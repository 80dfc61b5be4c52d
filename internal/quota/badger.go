package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Key prefixes for BadgerDB storage
const (
	recordPrefix = "quota:"
	keyPrefix    = "quota_key:"
)

// BadgerStore implements Store on BadgerDB. Record versions are Badger item versions.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadger opens (or creates) a database in dir. An empty dir opens an in-memory database.
func OpenBadger(dir string, log zerolog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log: log})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

func getRecord(txn *badger.Txn, identifier string) (Record, uint64, error) {
	item, err := txn.Get([]byte(recordPrefix + identifier))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, 0, ErrNotFound
	}
	if err != nil {
		return Record{}, 0, fmt.Errorf("get quota record: %w", err)
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		var derr error
		rec, derr = decode(val)
		return derr
	})
	if err != nil {
		return Record{}, 0, fmt.Errorf("decode quota record: %w", err)
	}
	return rec, item.Version(), nil
}

func lookupKey(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(keyPrefix + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get key index: %w", err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func (s *BadgerStore) Get(ctx context.Context, identifier string) (Record, uint64, error) {
	var (
		rec Record
		ver uint64
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, ver, err = getRecord(txn, identifier)
		return err
	})
	return rec, ver, err
}

func (s *BadgerStore) FindByKey(ctx context.Context, key string) (Record, uint64, error) {
	var (
		rec Record
		ver uint64
	)
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := lookupKey(txn, key)
		if err != nil {
			return err
		}
		rec, ver, err = getRecord(txn, id)
		return err
	})
	return rec, ver, err
}

func (s *BadgerStore) Insert(ctx context.Context, r Record) error {
	data, err := encode(r)
	if err != nil {
		return fmt.Errorf("marshal quota record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, _, err := getRecord(txn, r.Identifier); err == nil {
			return ErrExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := lookupKey(txn, r.Key); err == nil {
			return ErrKeyInUse
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := txn.Set([]byte(recordPrefix+r.Identifier), data); err != nil {
			return fmt.Errorf("set quota record: %w", err)
		}
		return txn.Set([]byte(keyPrefix+r.Key), []byte(r.Identifier))
	})
	return mapConflict(err)
}

func (s *BadgerStore) CompareAndSwap(ctx context.Context, version uint64, next Record) error {
	data, err := encode(next)
	if err != nil {
		return fmt.Errorf("marshal quota record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		cur, ver, err := getRecord(txn, next.Identifier)
		if err != nil {
			return err
		}
		if ver != version {
			return ErrConflict
		}
		if next.Key != cur.Key {
			if owner, err := lookupKey(txn, next.Key); err == nil && owner != next.Identifier {
				return ErrKeyInUse
			} else if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err := txn.Delete([]byte(keyPrefix + cur.Key)); err != nil {
				return fmt.Errorf("delete key index: %w", err)
			}
			if err := txn.Set([]byte(keyPrefix+next.Key), []byte(next.Identifier)); err != nil {
				return fmt.Errorf("set key index: %w", err)
			}
		}
		return txn.Set([]byte(recordPrefix+next.Identifier), data)
	})
	return mapConflict(err)
}

func (s *BadgerStore) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := decode(val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode quota record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// mapConflict turns Badger's optimistic transaction conflict into ErrConflict.
func mapConflict(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// badgerLogger routes Badger's internal logging into zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(f), v...)
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(f), v...)
}

func (l badgerLogger) Infof(f string, v ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(f), v...)
}

func (l badgerLogger) Debugf(f string, v ...interface{}) {
	l.log.Trace().Msgf(strings.TrimSpace(f), v...)
}
