package output

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestElasticsearch_SpoolsAndReplays(t *testing.T) {
	var refuse atomic.Bool
	refuse.Store(true)
	var indexed atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refuse.Load() {
			http.Error(w, "cluster red", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		sc := bufio.NewScanner(strings.NewReader(string(body)))
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, `{"index"`) {
				indexed.Add(1)
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	w, err := NewWriter(WriterConfig{
		Type:             "elasticsearch",
		ElasticsearchURL: srv.URL,
		Outbox: OutboxConfig{
			Enabled:         true,
			Dir:             dir,
			MaxBytes:        1 << 20,
			MaxBatchSize:    3,
			RetryBackoff:    10 * time.Millisecond,
			RetryMaxBackoff: 50 * time.Millisecond,
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer func() { _ = w.Close() }()
	es := w.(*esWriter)

	for i := 0; i < 7; i++ {
		if err := w.Write(auditDoc()); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush with a refusing sink should spool: %v", err)
	}
	if indexed.Load() != 0 {
		t.Fatalf("indexed %d while refusing", indexed.Load())
	}
	if st := es.Stats(); st.Segments != 1 || segmentFiles(t, dir) != 1 {
		t.Fatalf("stats = %+v, files = %d", st, segmentFiles(t, dir))
	}

	refuse.Store(false)
	time.Sleep(20 * time.Millisecond)
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	if indexed.Load() != 7 {
		t.Fatalf("indexed = %d, want 7", indexed.Load())
	}
	if st := es.Stats(); st.Segments != 0 || st.Bytes != 0 {
		t.Fatalf("backlog left: %+v", st)
	}
}

func TestSpool_EvictsOldestOverBudget(t *testing.T) {
	sp, err := openSpool(t.TempDir(), 500)
	if err != nil {
		t.Fatal(err)
	}
	large := []byte(`{"path":"` + strings.Repeat("q", 400) + `"}`)
	if n, err := sp.push([][]byte{large}); err != nil || n != 0 {
		t.Fatalf("first push evicted %d, err %v", n, err)
	}
	if n, err := sp.push([][]byte{large}); err != nil || n != 1 {
		t.Fatalf("second push evicted %d, err %v", n, err)
	}
	if st := sp.stats(); st.Segments != 1 || st.Evicted != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSpool_AdoptsSegmentsAndDiscardsPartialWrites(t *testing.T) {
	dir := t.TempDir()
	sp, err := openSpool(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sp.push([][]byte{auditDoc(), auditDoc()}); err != nil {
		t.Fatal(err)
	}
	partial := filepath.Join(dir, "audit-0000000000000000001-000001.ndjson.tmp")
	if err := os.WriteFile(partial, []byte(`{"trunc`), 0o640); err != nil {
		t.Fatal(err)
	}

	again, err := openSpool(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	seg, ok := again.front()
	if !ok || seg.entries != 2 {
		t.Fatalf("front = %+v, %v", seg, ok)
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Error("partial segment not removed")
	}
	entries, err := again.read(seg)
	if err != nil || len(entries) != 2 {
		t.Fatalf("read = %d entries, err %v", len(entries), err)
	}
	if err := again.pop(seg); err != nil {
		t.Fatal(err)
	}
	if _, ok := again.front(); ok {
		t.Error("segment still queued after pop")
	}
}

func segmentFiles(t *testing.T, dir string) int {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*"+segmentExt))
	if err != nil {
		t.Fatal(err)
	}
	return len(paths)
}
