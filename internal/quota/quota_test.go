package quota

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) Store
}

func stores() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"badger", func(t *testing.T) Store { return newBadgerStore(t) }},
	}
}

func newBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerStore(db)
}

func newLedger(s Store) *Ledger {
	return NewLedger(s, LedgerOptions{MaxRetries: 50}, zerolog.Nop())
}

func ptr[T any](v T) *T { return &v }

func TestWouldExceed(t *testing.T) {
	tests := []struct {
		rec   Record
		units int64
		want  bool
	}{
		{Record{Quota: 5, Used: 5}, 1, true},
		{Record{Quota: 5, Used: 4}, 1, false},
		{Record{Quota: 5, Used: 0}, 6, true},
		{Record{Quota: Unlimited, Used: 1 << 40}, 1 << 40, false},
		{Record{Quota: 0, Used: 0}, 0, false},
	}
	for _, tt := range tests {
		if got := WouldExceed(tt.rec, tt.units); got != tt.want {
			t.Errorf("WouldExceed(%+v, %d) = %v, want %v", tt.rec, tt.units, got, tt.want)
		}
	}
	if r := (Record{Quota: Unlimited, Used: 99}); r.Remaining() != Unlimited {
		t.Errorf("Remaining unlimited = %d", r.Remaining())
	}
}

func TestLedger_CreatePeekCommit(t *testing.T) {
	for _, sf := range stores() {
		t.Run(sf.name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(sf.new(t))
			rec, err := l.Create(ctx, "alice", 10, "")
			if err != nil {
				t.Fatal(err)
			}
			if len(rec.Key) != 16 || strings.Trim(rec.Key, keyAlphabet) != "" {
				t.Errorf("generated key %q", rec.Key)
			}
			got, err := l.Peek(ctx, rec.Key)
			if err != nil || got != rec {
				t.Fatalf("Peek = %+v, %v", got, err)
			}
			after, err := l.Commit(ctx, rec.Key, 3)
			if err != nil {
				t.Fatal(err)
			}
			if after.Used != 3 || after.Remaining() != 7 {
				t.Errorf("after commit %+v", after)
			}
			if _, err := l.Peek(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Peek unknown err = %v", err)
			}
		})
	}
}

func TestLedger_CreateDuplicates(t *testing.T) {
	for _, sf := range stores() {
		t.Run(sf.name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(sf.new(t))
			if _, err := l.Create(ctx, "a", 1, "KEY1"); err != nil {
				t.Fatal(err)
			}
			if _, err := l.Create(ctx, "a", 1, "KEY2"); !errors.Is(err, ErrExists) {
				t.Errorf("duplicate identifier err = %v", err)
			}
			if _, err := l.Create(ctx, "b", 1, "KEY1"); !errors.Is(err, ErrKeyInUse) {
				t.Errorf("duplicate key err = %v", err)
			}
			if _, err := l.Create(ctx, "c", -2, ""); !errors.Is(err, ErrInvalid) {
				t.Errorf("bad quota err = %v", err)
			}
		})
	}
}

func TestLedger_Update(t *testing.T) {
	for _, sf := range stores() {
		t.Run(sf.name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(sf.new(t))
			if _, err := l.Create(ctx, "a", 5, "OLDKEY"); err != nil {
				t.Fatal(err)
			}
			if _, err := l.Create(ctx, "b", 5, "BKEY"); err != nil {
				t.Fatal(err)
			}
			rec, err := l.Update(ctx, "a", RecordUpdate{Key: ptr("NEWKEY"), Quota: ptr(int64(20)), Used: ptr(int64(2))})
			if err != nil {
				t.Fatal(err)
			}
			if rec.Key != "NEWKEY" || rec.Quota != 20 || rec.Used != 2 {
				t.Errorf("updated %+v", rec)
			}
			if _, err := l.Peek(ctx, "OLDKEY"); !errors.Is(err, ErrNotFound) {
				t.Errorf("old key still resolves: %v", err)
			}
			if got, _ := l.Peek(ctx, "NEWKEY"); got.Identifier != "a" {
				t.Errorf("new key resolves to %+v", got)
			}
			if _, err := l.Update(ctx, "a", RecordUpdate{Identifier: "z"}); !errors.Is(err, ErrIdentifierImmutable) {
				t.Errorf("identifier change err = %v", err)
			}
			if _, err := l.Update(ctx, "a", RecordUpdate{Key: ptr("BKEY")}); !errors.Is(err, ErrKeyInUse) {
				t.Errorf("key collision err = %v", err)
			}
			if _, err := l.Update(ctx, "a", RecordUpdate{Used: ptr(int64(-1))}); !errors.Is(err, ErrInvalid) {
				t.Errorf("negative used err = %v", err)
			}
			if _, err := l.Update(ctx, "a", RecordUpdate{Used: ptr(int64(21))}); !errors.Is(err, ErrInvalid) {
				t.Errorf("used above quota err = %v", err)
			}
			if _, err := l.Update(ctx, "missing", RecordUpdate{Quota: ptr(int64(1))}); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing err = %v", err)
			}
		})
	}
}

func TestLedger_ConcurrentCommitsSerializable(t *testing.T) {
	for _, sf := range stores() {
		t.Run(sf.name, func(t *testing.T) {
			ctx := context.Background()
			store := sf.new(t)
			// two ledgers over one store stand in for two processes
			l1, l2 := newLedger(store), newLedger(store)
			if _, err := l1.Create(ctx, "a", Unlimited, "K"); err != nil {
				t.Fatal(err)
			}
			var (
				wg   sync.WaitGroup
				want int64
			)
			errs := make(chan error, 40)
			for i := 1; i <= 40; i++ {
				units := int64(i % 7)
				want += units
				l := l1
				if i%2 == 0 {
					l = l2
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := l.Commit(ctx, "K", units); err != nil {
						errs <- err
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatal(err)
			}
			rec, _ := l1.Peek(ctx, "K")
			if rec.Used != want {
				t.Errorf("Used = %d, want %d", rec.Used, want)
			}
		})
	}
}

func TestLedger_CommitCapsAtQuota(t *testing.T) {
	ctx := context.Background()
	l := newLedger(NewMemoryStore())
	if _, err := l.Create(ctx, "a", 5, "K"); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Commit(ctx, "K", 1)
		}()
	}
	wg.Wait()
	rec, _ := l.Peek(ctx, "K")
	if rec.Used != 5 {
		t.Errorf("Used = %d, want capped at 5", rec.Used)
	}
}

type conflictStore struct {
	*MemoryStore
}

func (conflictStore) CompareAndSwap(context.Context, uint64, Record) error { return ErrConflict }

func TestLedger_CommitExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	store := conflictStore{NewMemoryStore()}
	if err := store.Insert(ctx, Record{Identifier: "a", Key: "K", Quota: 5}); err != nil {
		t.Fatal(err)
	}
	l := NewLedger(store, LedgerOptions{MaxRetries: 2}, zerolog.Nop())
	if _, err := l.Commit(ctx, "K", 1); !errors.Is(err, ErrTransient) {
		t.Errorf("err = %v, want ErrTransient", err)
	}
}

func TestLedger_MonthlyResetScenario(t *testing.T) {
	for _, sf := range stores() {
		t.Run(sf.name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(sf.new(t))
			if _, err := l.Create(ctx, "a", 5, "K"); err != nil {
				t.Fatal(err)
			}
			if _, err := l.Create(ctx, "b", 5, "J"); err != nil {
				t.Fatal(err)
			}
			if _, err := l.Commit(ctx, "K", 5); err != nil {
				t.Fatal(err)
			}
			rec, _ := l.Peek(ctx, "K")
			if !WouldExceed(rec, 1) {
				t.Fatalf("expected exhausted record, got %+v", rec)
			}
			n, err := l.ResetAll(ctx)
			if err != nil || n != 1 {
				t.Fatalf("ResetAll = %d, %v", n, err)
			}
			rec, _ = l.Peek(ctx, "K")
			if rec.Used != 0 || WouldExceed(rec, 1) {
				t.Errorf("after reset %+v", rec)
			}
		})
	}
}

func TestResetScheduler_NextRunIsFirstOfMonth(t *testing.T) {
	s := NewResetScheduler(newLedger(NewMemoryStore()), 0, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	next := s.NextRun().UTC()
	if next.Day() != 1 || next.Hour() != 0 || next.Minute() != 0 {
		t.Errorf("next run %s is not midnight on the 1st", next)
	}
}

func TestBadgerStore_DocumentShape(t *testing.T) {
	s := newBadgerStore(t)
	ctx := context.Background()
	if err := s.Insert(ctx, Record{Identifier: "a", Key: "K", Quota: 3, Used: 1}); err != nil {
		t.Fatal(err)
	}
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("quota:a"))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"Identifier":"a","API":{"Key":"K","Quota":3,"Used":1}}` {
		t.Errorf("stored document %s", raw)
	}
	recs, err := s.List(ctx)
	if err != nil || len(recs) != 1 {
		t.Errorf("List = %v, %v", recs, err)
	}
}
