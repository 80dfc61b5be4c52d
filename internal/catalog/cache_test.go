package catalog

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const boxDoc = `{"bbox": {"north": 41, "south": 40, "east": -111, "west": -112}}`

type fakeSource struct {
	calls atomic.Int32
	gate  chan struct{}
	mu    sync.Mutex
	err   error
	docs  map[string]json.RawMessage
}

func (f *fakeSource) Fetch(ctx context.Context) (map[string]json.RawMessage, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

func (f *fakeSource) set(docs map[string]json.RawMessage, err error) {
	f.mu.Lock()
	f.docs, f.err = docs, err
	f.mu.Unlock()
}

func docs(names ...string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(names))
	for _, n := range names {
		out[n] = json.RawMessage(boxDoc)
	}
	return out
}

func newTestCache(src Source, cfg Config) (*Cache, *time.Time) {
	c := New(src, cfg, zerolog.Nop(), nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return now }
	return c, &now
}

func TestCurrent_ColdStartSingleFlight(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{}), docs: docs("demo")}
	c, _ := newTestCache(src, Config{RefreshInterval: time.Minute})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cat, err := c.Current(context.Background())
			if err == nil && cat.Len() != 1 {
				err = errors.New("wrong catalog")
			}
			errs <- err
		}()
	}
	// let the callers pile up on the shared refresh
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("Fetch calls = %d, want 1", n)
	}
	if !c.Ready() {
		t.Error("Ready = false after load")
	}
}

func TestCurrent_ColdStartFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	c, _ := newTestCache(src, Config{})
	if _, err := c.Current(context.Background()); !errors.Is(err, ErrColdStart) {
		t.Fatalf("err = %v, want ErrColdStart", err)
	}
	if c.Ready() {
		t.Error("Ready = true without a snapshot")
	}
	if !c.LoadedAt().IsZero() {
		t.Errorf("LoadedAt = %v before any load", c.LoadedAt())
	}
}

func TestCurrent_FreshSnapshotNoFetch(t *testing.T) {
	src := &fakeSource{docs: docs("a")}
	c, now := newTestCache(src, Config{RefreshInterval: time.Minute})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(30 * time.Second)
	if _, err := c.Current(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("Fetch calls = %d, want 1", n)
	}
}

func TestCurrent_StaleWaitServesOldOnFailure(t *testing.T) {
	src := &fakeSource{docs: docs("a")}
	c, now := newTestCache(src, Config{RefreshInterval: time.Minute, WaitForRefresh: true})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.set(nil, errors.New("source down"))
	*now = now.Add(2 * time.Minute)
	cat, err := c.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cat.Names()[0] != "a" {
		t.Errorf("names = %v", cat.Names())
	}
	if want := now.Add(-2 * time.Minute); !c.LoadedAt().Equal(want) {
		t.Errorf("LoadedAt = %v, want %v from the last good load", c.LoadedAt(), want)
	}
}

func TestCurrent_StaleWaitGetsNew(t *testing.T) {
	src := &fakeSource{docs: docs("a")}
	c, now := newTestCache(src, Config{RefreshInterval: time.Minute, WaitForRefresh: true})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.set(docs("a", "b"), nil)
	*now = now.Add(2 * time.Minute)
	cat, err := c.Current(context.Background())
	if err != nil || cat.Len() != 2 {
		t.Fatalf("Current = %v, %v; want 2 regions", cat.Names(), err)
	}
	if !c.LoadedAt().Equal(*now) {
		t.Errorf("LoadedAt = %v, want %v", c.LoadedAt(), *now)
	}
}

func TestCurrent_StaleNoWaitServesOldAndRefreshesInBackground(t *testing.T) {
	src := &fakeSource{docs: docs("a")}
	c, now := newTestCache(src, Config{RefreshInterval: time.Minute})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.set(docs("a", "b"), nil)
	*now = now.Add(2 * time.Minute)
	cat, err := c.Current(context.Background())
	if err != nil || cat.Len() != 1 {
		t.Fatalf("Current = %v, %v; want the old snapshot", cat.Names(), err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cur := c.current(); cur != nil && cur.catalog.Len() == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background refresh never replaced the snapshot")
}

func TestRefresh_AllRejectedKeepsSnapshot(t *testing.T) {
	src := &fakeSource{docs: docs("a")}
	c, _ := newTestCache(src, Config{})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.set(map[string]json.RawMessage{"bad": json.RawMessage(`{}`)}, nil)
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected error when every document is rejected")
	}
	if c.current().catalog.Names()[0] != "a" {
		t.Error("snapshot replaced by an empty catalog")
	}
}

func TestCurrent_CallerCancelDoesNotAbortRefresh(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{}), docs: docs("a")}
	c, _ := newTestCache(src, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Current(ctx); err == nil {
		t.Fatal("expected error for cancelled caller")
	}
	close(src.gate)
	deadline := time.Now().Add(2 * time.Second)
	for !c.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := c.Current(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("Fetch calls = %d, want 1", n)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regions.json")
	if err := os.WriteFile(path, []byte(`{"demo": `+boxDoc+`}`), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := FileSource{Path: path}.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["demo"]; !ok {
		t.Errorf("docs = %v", got)
	}
	if _, err := (FileSource{Path: filepath.Join(t.TempDir(), "missing")}).Fetch(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestHTTPSource_RetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"demo": ` + boxDoc + `}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, srv.Client(), Backoff{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}, 10, time.Second, zerolog.Nop(), nil)
	got, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || hits.Load() != 3 {
		t.Errorf("docs = %d, hits = %d", len(got), hits.Load())
	}
}

func TestHTTPSource_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, srv.Client(), Backoff{MaxRetries: 0, InitialInterval: time.Millisecond}, 2, time.Minute, zerolog.Nop(), NewMetrics(nil))
	for i := 0; i < 2; i++ {
		if _, err := src.Fetch(context.Background()); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := src.Fetch(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRefresh_FailuresAreLogged(t *testing.T) {
	logs := &syncBuffer{}
	src := &fakeSource{docs: docs("a")}
	c, now := newTestCache(src, Config{RefreshInterval: time.Minute})
	c.log = zerolog.New(logs)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A failed background refresh has no caller to report to.
	src.set(nil, errors.New("upstream 502"))
	*now = now.Add(2 * time.Minute)
	if _, err := c.Current(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "upstream 502") {
		if time.Now().After(deadline) {
			t.Fatalf("background fetch failure not logged: %s", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	src.set(map[string]json.RawMessage{"bad": json.RawMessage(`{}`)}, nil)
	// The background refresh may still hold the single-flight slot briefly.
	deadline = time.Now().Add(2 * time.Second)
	for {
		_ = c.Refresh(context.Background())
		if strings.Contains(logs.String(), "every region document rejected") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rejected refresh not logged: %s", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
