// Package admission gates API requests on per-key quota and commits usage after success.
package admission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/StefanGrimminck/Haze/internal/audit"
	"github.com/StefanGrimminck/Haze/internal/quota"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// State is a step of the admission state machine.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateKeyChecked   State = "KEY_CHECKED"
	StateCostComputed State = "COST_COMPUTED"
	StateAdmitted     State = "ADMITTED"
	StateRejected     State = "REJECTED"
	StateExecuted     State = "EXECUTED"
	StateCommitted    State = "COMMITTED"
)

// statusClientClosed is logged and audited when the caller went away before commit.
const statusClientClosed = 499

const (
	msgMissingKey = "An API key is required. Pass it as the 'key' query parameter or the X-API-Key header."
	msgInvalidKey = "Invalid API key."
)

// Ledger is the part of the quota ledger admission needs.
type Ledger interface {
	Peek(ctx context.Context, key string) (quota.Record, error)
	Commit(ctx context.Context, key string, units int64) (quota.Record, error)
}

// Auditor receives one entry per request.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Config tunes the middleware.
type Config struct {
	// TrustedPeers are IPs, CIDRs or "localhost", matched against the TCP peer.
	TrustedPeers  []string
	LedgerTimeout time.Duration
	CommitTimeout time.Duration
}

// Middleware runs the admission pipeline around handlers.
type Middleware struct {
	ledger  Ledger
	auditor Auditor
	trusted []netip.Prefix
	cfg     Config
	log     zerolog.Logger
	metrics *Metrics
	nowFn   func() time.Time
}

// New creates a Middleware. auditor may be nil.
func New(cfg Config, ledger Ledger, auditor Auditor, log zerolog.Logger, m *Metrics) *Middleware {
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 2 * time.Second
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 5 * time.Second
	}
	trusted, err := ParseTrusted(cfg.TrustedPeers)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring trusted peer entry")
	}
	return &Middleware{ledger: ledger, auditor: auditor, trusted: trusted, cfg: cfg, log: log, metrics: m, nowFn: time.Now}
}

// QuotaExceeded is the 429 body.
type QuotaExceeded struct {
	ErrorMessage string `json:"error_message"`
	Quota        int64  `json:"quota"`
	Used         int64  `json:"used"`
	Remaining    int64  `json:"remaining"`
	Cost         int64  `json:"cost"`
	ResetPolicy  string `json:"reset_policy"`
}

// rejection short-circuits the pipeline.
type rejection struct {
	status int
	body   interface{}
}

// request is the state carried through the pipeline.
type request struct {
	r       *http.Request
	costFn  CostFunc
	state   State
	key     string
	trusted bool
	cost    int64
	record  quota.Record
}

type stage func(m *Middleware, a *request) *rejection

var pipeline = []stage{keyStage, costStage, quotaStage}

// Gate wraps next with admission charging cost.
func (m *Middleware) Gate(cost CostFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := m.nowFn()
			a := &request{r: r, costFn: cost, state: StateReceived}
			status := m.serve(w, a, next)
			m.metrics.decision(a.state, status)
			m.record(a, status, start)
		})
	}
}

func (m *Middleware) serve(w http.ResponseWriter, a *request, next http.Handler) int {
	for _, s := range pipeline {
		if rej := s(m, a); rej != nil {
			a.state = StateRejected
			writeJSON(w, rej.status, rej.body)
			return rej.status
		}
	}
	a.state = StateAdmitted

	if a.trusted || a.cost <= 0 {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, a.r)
		a.state = StateExecuted
		return sw.status
	}

	bw := newBufferedWriter()
	next.ServeHTTP(bw, a.r)
	a.state = StateExecuted
	if bw.status < 200 || bw.status >= 300 {
		bw.flushTo(w)
		return bw.status
	}
	if err := a.r.Context().Err(); err != nil {
		m.log.Debug().Err(err).Str("path", a.r.URL.Path).Msg("request ended before commit, nothing charged")
		return statusClientClosed
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.r.Context()), m.cfg.CommitTimeout)
	defer cancel()
	rec, err := m.ledger.Commit(ctx, a.key, a.cost)
	if err != nil {
		m.metrics.commitFailed()
		m.log.Error().Err(err).Str("identifier", a.record.Identifier).Int64("cost", a.cost).Msg("quota commit failed, response withheld")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "quota_commit_failed"})
		return http.StatusServiceUnavailable
	}
	a.state = StateCommitted
	a.record = rec
	m.metrics.committed(a.cost)
	if rec.Quota != quota.Unlimited {
		bw.Header().Set("X-Quota-Remaining", strconv.FormatInt(rec.Remaining(), 10))
	}
	bw.flushTo(w)
	return bw.status
}

func keyStage(m *Middleware, a *request) *rejection {
	if m.trustedPeer(a.r) {
		a.trusted = true
		a.state = StateKeyChecked
		return nil
	}
	a.key = strings.TrimSpace(a.r.URL.Query().Get("key"))
	if a.key == "" {
		a.key = strings.TrimSpace(a.r.Header.Get("X-API-Key"))
	}
	if a.key == "" {
		return &rejection{status: http.StatusUnauthorized, body: map[string]string{"message": msgMissingKey}}
	}
	a.state = StateKeyChecked
	return nil
}

func costStage(m *Middleware, a *request) *rejection {
	if a.costFn == nil {
		a.costFn = Static(0)
	}
	units, err := a.costFn(a.r)
	if err != nil {
		return &rejection{status: http.StatusBadRequest, body: map[string]string{"error": "invalid_request", "message": err.Error()}}
	}
	a.cost = units
	a.state = StateCostComputed
	return nil
}

func quotaStage(m *Middleware, a *request) *rejection {
	if a.trusted || a.cost == CostExempt {
		return nil
	}
	ctx, cancel := context.WithTimeout(a.r.Context(), m.cfg.LedgerTimeout)
	defer cancel()
	rec, err := m.ledger.Peek(ctx, a.key)
	if errors.Is(err, quota.ErrNotFound) {
		return &rejection{status: http.StatusForbidden, body: map[string]string{"message": msgInvalidKey}}
	}
	if err != nil {
		m.log.Error().Err(err).Msg("quota lookup failed")
		return &rejection{status: http.StatusServiceUnavailable, body: map[string]string{"error": "quota_unavailable"}}
	}
	a.record = rec
	if quota.WouldExceed(rec, a.cost) {
		return &rejection{status: http.StatusTooManyRequests, body: QuotaExceeded{
			ErrorMessage: fmt.Sprintf("Insufficient quota. Your quota: %d. Remaining: %d. This query will cost: %d. %s",
				rec.Quota, rec.Remaining(), a.cost, quota.ResetPolicy),
			Quota:       rec.Quota,
			Used:        rec.Used,
			Remaining:   rec.Remaining(),
			Cost:        a.cost,
			ResetPolicy: quota.ResetPolicy,
		}}
	}
	return nil
}

func (m *Middleware) record(a *request, status int, start time.Time) {
	if m.auditor == nil {
		return
	}
	m.auditor.Record(a.r.Context(), audit.Entry{
		Time:       start.UTC(),
		Key:        audit.MaskKey(a.key),
		Method:     a.r.Method,
		Path:       a.r.URL.Path,
		Query:      redactKey(a.r.URL.RawQuery),
		OriginHost: originHost(a.r),
		ClientIP:   clientIP(a.r),
		Trusted:    a.trusted,
		Cost:       a.cost,
		State:      string(a.state),
		Status:     status,
		DurationMS: float64(m.nowFn().Sub(start).Microseconds()) / 1000,
	})
}

func originHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

func clientIP(r *http.Request) string {
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return h
	}
	return r.RemoteAddr
}

func redactKey(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	for i, p := range parts {
		if strings.HasPrefix(p, "key=") {
			parts[i] = "key=" + audit.MaskKey(strings.TrimPrefix(p, "key="))
		}
	}
	return strings.Join(parts, "&")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusWriter records the status of a streamed response.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusWriter) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

// bufferedWriter holds a response until the quota commit succeeds.
type bufferedWriter struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.status = code
	b.wroteHeader = true
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
