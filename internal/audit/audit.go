// Package audit records one entry per admitted or rejected API request.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/StefanGrimminck/Haze/internal/enrich"
	"github.com/StefanGrimminck/Haze/internal/output"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Entry is one audited request.
type Entry struct {
	ID         string         `json:"id"`
	Time       time.Time      `json:"@timestamp"`
	Key        string         `json:"key,omitempty"`
	Method     string         `json:"method"`
	Path       string         `json:"path"`
	Query      string         `json:"query,omitempty"`
	OriginHost string         `json:"origin_host"`
	ClientIP   string         `json:"client_ip"`
	Trusted    bool           `json:"trusted"`
	Cost       int64          `json:"cost"`
	State      string         `json:"state"`
	Status     int            `json:"status"`
	DurationMS float64        `json:"duration_ms"`
	Origin     *enrich.Origin `json:"origin,omitempty"`
}

// MaskKey keeps the first four characters of an API key.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}

// Metrics holds Prometheus metrics for the audit trail.
type Metrics struct {
	EntriesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers audit metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "haze_audit_entries_total", Help: "Audit entries by result"},
			[]string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.EntriesTotal)
	}
	return m
}

func (m *Metrics) inc(result string) {
	if m == nil {
		return
	}
	m.EntriesTotal.WithLabelValues(result).Inc()
}

// Recorder enriches entries and writes them asynchronously. A full queue drops entries.
type Recorder struct {
	w        output.Writer
	enricher *enrich.Enricher
	queue    chan Entry
	log      zerolog.Logger
	metrics  *Metrics

	// mu guards closed so Record never sends on a closed queue.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder starts the writer goroutine. enricher may be nil.
func NewRecorder(w output.Writer, enricher *enrich.Enricher, queueSize int, log zerolog.Logger, m *Metrics) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		w:        w,
		enricher: enricher,
		queue:    make(chan Entry, queueSize),
		log:      log,
		metrics:  m,
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues e. It never blocks the request path.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.inc("dropped")
		r.log.Warn().Str("path", e.Path).Msg("audit recorder closed, entry dropped")
		return
	}
	select {
	case r.queue <- e:
	default:
		r.metrics.inc("dropped")
		r.log.Warn().Str("path", e.Path).Msg("audit queue full, entry dropped")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		if !e.Trusted {
			if o := r.enricher.Lookup(e.ClientIP); !o.Empty() {
				e.Origin = &o
			}
		}
		b, err := json.Marshal(e)
		if err != nil {
			r.metrics.inc("error")
			r.log.Error().Err(err).Msg("marshal audit entry")
			continue
		}
		if err := r.w.Write(b); err != nil {
			r.metrics.inc("error")
			r.log.Warn().Err(err).Msg("write audit entry")
			continue
		}
		r.metrics.inc("written")
	}
}

// Close drains queued entries and closes the writer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
	return r.w.Close()
}
