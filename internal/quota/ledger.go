package quota

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyLength   = 16
)

// GenerateKey returns a random 16 character key from A-Z0-9.
func GenerateKey() (string, error) {
	b := make([]byte, keyLength)
	radix := big.NewInt(int64(len(keyAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, radix)
		if err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		b[i] = keyAlphabet[n.Int64()]
	}
	return string(b), nil
}

// LedgerOptions tunes commit retries.
type LedgerOptions struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Ledger reads and charges quota records. Commits for one key are serialized
// in process; the store's compare-and-swap guards against other writers.
type Ledger struct {
	store Store
	opts  LedgerOptions
	log   zerolog.Logger
	locks keyLocks
}

// NewLedger creates a Ledger over store.
func NewLedger(store Store, opts LedgerOptions, log zerolog.Logger) *Ledger {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 5 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 200 * time.Millisecond
	}
	return &Ledger{store: store, opts: opts, log: log, locks: keyLocks{m: make(map[string]*keyLock)}}
}

// Peek returns the record for an API key.
func (l *Ledger) Peek(ctx context.Context, key string) (Record, error) {
	if key == "" {
		return Record{}, ErrNotFound
	}
	rec, _, err := l.store.FindByKey(ctx, key)
	return rec, err
}

// Get returns the record for an identifier.
func (l *Ledger) Get(ctx context.Context, identifier string) (Record, error) {
	rec, _, err := l.store.Get(ctx, identifier)
	return rec, err
}

// Commit charges units to key. Used is capped at Quota so that admissions
// racing past the same check never push a record over its ceiling.
func (l *Ledger) Commit(ctx context.Context, key string, units int64) (Record, error) {
	if units < 0 {
		return Record{}, fmt.Errorf("%w: negative units %d", ErrInvalid, units)
	}
	unlock := l.locks.lock("key:" + key)
	defer unlock()

	return l.mutate(ctx, func(ctx context.Context) (Record, uint64, error) {
		return l.store.FindByKey(ctx, key)
	}, func(rec Record) (Record, error) {
		if units == 0 {
			return rec, nil
		}
		rec.Used += units
		if rec.Quota != Unlimited && rec.Used > rec.Quota {
			l.log.Warn().Str("identifier", rec.Identifier).Int64("quota", rec.Quota).Int64("used", rec.Used).Msg("commit capped at quota")
			rec.Used = rec.Quota
		}
		return rec, nil
	})
}

// RecordUpdate carries the fields to change; nil fields are left as stored.
type RecordUpdate struct {
	Identifier string
	Key        *string
	Quota      *int64
	Used       *int64
}

// Update merges u into the record of identifier.
func (l *Ledger) Update(ctx context.Context, identifier string, u RecordUpdate) (Record, error) {
	if u.Identifier != "" && u.Identifier != identifier {
		return Record{}, ErrIdentifierImmutable
	}
	unlock := l.locks.lock("id:" + identifier)
	defer unlock()

	return l.mutate(ctx, func(ctx context.Context) (Record, uint64, error) {
		return l.store.Get(ctx, identifier)
	}, func(rec Record) (Record, error) {
		if u.Key != nil {
			rec.Key = *u.Key
		}
		if u.Quota != nil {
			rec.Quota = *u.Quota
		}
		if u.Used != nil {
			rec.Used = *u.Used
		}
		if err := rec.validate(); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return rec, nil
	})
}

// Create adds a record with Used=0. An empty key is generated.
func (l *Ledger) Create(ctx context.Context, identifier string, quota int64, key string) (Record, error) {
	generated := key == ""
	for attempt := 0; ; attempt++ {
		if generated {
			var err error
			if key, err = GenerateKey(); err != nil {
				return Record{}, err
			}
		}
		rec := Record{Identifier: identifier, Key: key, Quota: quota}
		if err := rec.validate(); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		err := l.store.Insert(ctx, rec)
		switch {
		case err == nil:
			return rec, nil
		case errors.Is(err, ErrKeyInUse) && generated && attempt < 3:
			continue
		case errors.Is(err, ErrConflict) && attempt < l.opts.MaxRetries:
			continue
		default:
			return Record{}, err
		}
	}
}

// ResetAll sets Used to zero on every record and returns how many changed.
func (l *Ledger) ResetAll(ctx context.Context) (int, error) {
	recs, err := l.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list quota records: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, r := range recs {
		if r.Used == 0 {
			continue
		}
		zero := int64(0)
		if _, err := l.Update(ctx, r.Identifier, RecordUpdate{Used: &zero}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Identifier, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (l *Ledger) mutate(ctx context.Context, read func(context.Context) (Record, uint64, error), apply func(Record) (Record, error)) (Record, error) {
	var lastErr error
	delay := l.opts.InitialBackoff
	for attempt := 0; attempt <= l.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Record{}, ctx.Err()
			case <-timer.C:
			}
			if delay *= 2; delay > l.opts.MaxBackoff {
				delay = l.opts.MaxBackoff
			}
		}
		cur, version, err := read(ctx)
		if err != nil {
			return Record{}, err
		}
		next, err := apply(cur)
		if err != nil {
			return Record{}, err
		}
		if next == cur {
			return cur, nil
		}
		err = l.store.CompareAndSwap(ctx, version, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Record{}, err
		}
		lastErr = err
	}
	return Record{}, fmt.Errorf("%w: %v", ErrTransient, lastErr)
}

// keyLocks hands out one mutex per name, dropping it once nobody holds it.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(name string) func() {
	k.mu.Lock()
	kl, ok := k.m[name]
	if !ok {
		kl = &keyLock{}
		k.m[name] = kl
	}
	kl.refs++
	k.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		k.mu.Lock()
		if kl.refs--; kl.refs == 0 {
			delete(k.m, name)
		}
		k.mu.Unlock()
	}
}
