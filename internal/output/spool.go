package output

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const segmentExt = ".ndjson"

// segment is one refused bulk batch on disk.
type segment struct {
	file    string
	bytes   int64
	entries int
}

// SpoolStats describes the on-disk backlog.
type SpoolStats struct {
	Segments int
	Bytes    int64
	Evicted  int64
}

// spool keeps audit batches the bulk endpoint refused, oldest first, within a byte budget.
type spool struct {
	dir    string
	budget int64

	mu       sync.Mutex
	segments []segment
	used     int64
	next     uint64
	evicted  int64
}

func openSpool(dir string, budget int64) (*spool, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool dir required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	s := &spool{dir: dir, budget: budget}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// scan adopts segments left by a previous process and removes half-written ones.
func (s *spool) scan() error {
	tmps, _ := filepath.Glob(filepath.Join(s.dir, "*"+segmentExt+".tmp"))
	for _, tmp := range tmps {
		_ = os.Remove(tmp)
	}
	paths, err := filepath.Glob(filepath.Join(s.dir, "*"+segmentExt))
	if err != nil {
		return err
	}
	sort.Strings(paths)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		entries, err := readSegment(p)
		if err != nil {
			continue
		}
		s.segments = append(s.segments, segment{file: filepath.Base(p), bytes: info.Size(), entries: len(entries)})
		s.used += info.Size()
	}
	return nil
}

// push writes batch as a new segment and returns how many older entries were
// evicted to stay within budget.
func (s *spool) push(batch [][]byte) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	var buf bytes.Buffer
	for _, entry := range batch {
		buf.Write(bytes.TrimSpace(entry))
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	name := fmt.Sprintf("audit-%019d-%06d%s", time.Now().UTC().UnixNano(), s.next%1000000, segmentExt)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path+".tmp", buf.Bytes(), 0o640); err != nil {
		return 0, err
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		_ = os.Remove(path + ".tmp")
		return 0, err
	}
	s.segments = append(s.segments, segment{file: name, bytes: int64(buf.Len()), entries: len(batch)})
	s.used += int64(buf.Len())
	return s.evictLocked(), nil
}

// evictLocked removes the oldest segments while over budget. The newest segment always stays.
func (s *spool) evictLocked() int {
	if s.budget <= 0 {
		return 0
	}
	n := 0
	for s.used > s.budget && len(s.segments) > 1 {
		old := s.segments[0]
		s.segments = s.segments[1:]
		s.used -= old.bytes
		s.evicted += int64(old.entries)
		n += old.entries
		_ = os.Remove(filepath.Join(s.dir, old.file))
	}
	return n
}

// front returns the oldest segment.
func (s *spool) front() (segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) == 0 {
		return segment{}, false
	}
	return s.segments[0], true
}

func (s *spool) read(seg segment) ([][]byte, error) {
	return readSegment(filepath.Join(s.dir, seg.file))
}

// pop deletes seg once it has been delivered (or found unreadable).
func (s *spool) pop(seg segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.segments {
		if s.segments[i].file != seg.file {
			continue
		}
		s.segments = append(s.segments[:i], s.segments[i+1:]...)
		s.used -= seg.bytes
		if s.used < 0 {
			s.used = 0
		}
		return os.Remove(filepath.Join(s.dir, seg.file))
	}
	return nil
}

func (s *spool) stats() SpoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SpoolStats{Segments: len(s.segments), Bytes: s.used, Evicted: s.evicted}
}

func readSegment(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			entries = append(entries, append([]byte(nil), line...))
		}
	}
	return entries, sc.Err()
}
