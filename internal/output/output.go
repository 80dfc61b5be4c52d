// Package output ships audit documents to stdout or an Elasticsearch bulk endpoint.
package output

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Writer emits one JSON document per call to a configured destination.
type Writer interface {
	Write(doc []byte) error
	Flush() error
	Close() error
}

// OutboxConfig enables the on-disk spool for batches the sink rejected.
type OutboxConfig struct {
	Enabled         bool
	Dir             string
	MaxBytes        int64
	MaxBatchSize    int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
}

// WriterConfig selects and tunes a Writer.
type WriterConfig struct {
	// Type is "stdout", "elasticsearch" or "none".
	Type               string
	ElasticsearchURL   string
	ElasticsearchIndex string
	ElasticsearchUser  string
	ElasticsearchPass  string
	BatchSize          int
	FlushInterval      time.Duration
	Timeout            time.Duration
	Outbox             OutboxConfig
	Log                zerolog.Logger
}

// NewWriter creates a Writer from cfg.
func NewWriter(cfg WriterConfig) (Writer, error) {
	switch cfg.Type {
	case "stdout":
		return &stdoutWriter{w: bufio.NewWriter(os.Stdout)}, nil
	case "none", "":
		return discardWriter{}, nil
	case "elasticsearch":
		return newESWriter(cfg)
	default:
		return nil, fmt.Errorf("unknown output type: %s", cfg.Type)
	}
}

type discardWriter struct{}

func (discardWriter) Write([]byte) error { return nil }
func (discardWriter) Flush() error       { return nil }
func (discardWriter) Close() error       { return nil }

type stdoutWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (s *stdoutWriter) Write(doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(doc, '\n')); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *stdoutWriter) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

func (s *stdoutWriter) Close() error {
	return s.Flush()
}

type esWriter struct {
	client *http.Client
	url    string
	index  string
	user   string
	pass   string
	log    zerolog.Logger

	mu    sync.Mutex
	buf   [][]byte
	flush int

	spool        *spool
	replayBatch  int
	retryBackoff time.Duration
	retryMax     time.Duration
	retryAt      time.Time
	failures     int

	stop chan struct{}
	done chan struct{}
}

func newESWriter(cfg WriterConfig) (*esWriter, error) {
	if cfg.ElasticsearchURL == "" {
		return nil, fmt.Errorf("elasticsearch_url required")
	}
	idx := cfg.ElasticsearchIndex
	if idx == "" {
		idx = "haze-audit"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	e := &esWriter{
		client: &http.Client{Timeout: timeout},
		url:    strings.TrimSuffix(cfg.ElasticsearchURL, "/") + "/_bulk",
		index:  idx,
		user:   cfg.ElasticsearchUser,
		pass:   cfg.ElasticsearchPass,
		log:    cfg.Log,
		buf:    make([][]byte, 0, batch),
		flush:  batch,
	}
	if cfg.Outbox.Enabled {
		sp, err := openSpool(cfg.Outbox.Dir, cfg.Outbox.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("outbox: %w", err)
		}
		if st := sp.stats(); st.Segments > 0 {
			cfg.Log.Info().Int("segments", st.Segments).Int64("bytes", st.Bytes).Msg("audit spool has backlog from a previous run")
		}
		e.spool = sp
		e.replayBatch = cfg.Outbox.MaxBatchSize
		e.retryBackoff = cfg.Outbox.RetryBackoff
		if e.retryBackoff <= 0 {
			e.retryBackoff = time.Second
		}
		e.retryMax = cfg.Outbox.RetryMaxBackoff
		if e.retryMax <= 0 {
			e.retryMax = time.Minute
		}
	}
	if cfg.FlushInterval > 0 {
		e.stop = make(chan struct{})
		e.done = make(chan struct{})
		go e.loop(cfg.FlushInterval)
	}
	return e, nil
}

func (e *esWriter) loop(every time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if err := e.Flush(); err != nil {
				e.log.Warn().Err(err).Msg("periodic audit flush")
			}
		}
	}
}

func (e *esWriter) Write(doc []byte) error {
	e.mu.Lock()
	e.buf = append(e.buf, doc)
	shouldFlush := len(e.buf) >= e.flush
	e.mu.Unlock()
	if shouldFlush {
		return e.Flush()
	}
	return nil
}

// Flush sends buffered documents, then replays spooled batches when the retry window is open.
func (e *esWriter) Flush() error {
	e.mu.Lock()
	batch := e.buf
	e.buf = make([][]byte, 0, e.flush)
	e.mu.Unlock()

	if len(batch) > 0 {
		if err := e.bulk(batch); err != nil {
			if e.spool == nil {
				return err
			}
			e.noteFailure()
			evicted, serr := e.spool.push(batch)
			if serr != nil {
				return fmt.Errorf("bulk failed (%v) and spool failed: %w", err, serr)
			}
			e.log.Warn().Err(err).Int("entries", len(batch)).Msg("audit bulk refused, batch spooled")
			if evicted > 0 {
				e.log.Warn().Int("evicted", evicted).Msg("audit spool over budget, oldest entries evicted")
			}
			return nil
		}
	}
	return e.drain()
}

func (e *esWriter) noteFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	delay := e.retryBackoff << e.failures
	if delay > e.retryMax || delay <= 0 {
		delay = e.retryMax
	} else {
		e.failures++
	}
	e.retryAt = time.Now().Add(delay)
}

func (e *esWriter) drain() error {
	if e.spool == nil {
		return nil
	}
	for {
		e.mu.Lock()
		wait := time.Now().Before(e.retryAt)
		e.mu.Unlock()
		if wait {
			return nil
		}
		seg, ok := e.spool.front()
		if !ok {
			return nil
		}
		docs, err := e.spool.read(seg)
		if err != nil {
			e.log.Warn().Err(err).Str("segment", seg.file).Msg("unreadable spool segment removed")
			_ = e.spool.pop(seg)
			continue
		}
		for start := 0; start < len(docs); start += e.chunk(len(docs)) {
			end := start + e.chunk(len(docs))
			if end > len(docs) {
				end = len(docs)
			}
			if err := e.bulk(docs[start:end]); err != nil {
				e.noteFailure()
				return nil
			}
		}
		e.mu.Lock()
		e.failures = 0
		e.mu.Unlock()
		if err := e.spool.pop(seg); err != nil {
			return err
		}
	}
}

func (e *esWriter) chunk(n int) int {
	if e.replayBatch > 0 && e.replayBatch < n {
		return e.replayBatch
	}
	return n
}

func (e *esWriter) bulk(batch [][]byte) error {
	meta, err := json.Marshal(map[string]interface{}{"index": map[string]interface{}{"_index": e.index}})
	if err != nil {
		return err
	}
	var ndjson bytes.Buffer
	for _, doc := range batch {
		ndjson.Write(meta)
		ndjson.WriteByte('\n')
		ndjson.Write(doc)
		ndjson.WriteByte('\n')
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, &ndjson)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if e.user != "" && e.pass != "" {
		req.SetBasicAuth(e.user, e.pass)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("elasticsearch bulk %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Stats reports the spool backlog.
func (e *esWriter) Stats() SpoolStats {
	if e.spool == nil {
		return SpoolStats{}
	}
	return e.spool.stats()
}

func (e *esWriter) Close() error {
	if e.stop != nil {
		close(e.stop)
		<-e.done
	}
	return e.Flush()
}
