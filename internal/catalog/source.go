package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Source fetches raw region documents keyed by region name.
type Source interface {
	Fetch(ctx context.Context) (map[string]json.RawMessage, error)
}

// FileSource reads region documents from a local JSON file.
type FileSource struct {
	Path string
}

// Fetch implements Source.
func (s FileSource) Fetch(ctx context.Context) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read regions file: %w", err)
	}
	return decodeDocuments(b)
}

func decodeDocuments(b []byte) (map[string]json.RawMessage, error) {
	var docs map[string]json.RawMessage
	if err := json.Unmarshal(b, &docs); err != nil {
		return nil, fmt.Errorf("decode regions: %w", err)
	}
	if docs == nil {
		return nil, errors.New("decode regions: not a JSON object")
	}
	return docs, nil
}

var (
	errServerError = errors.New("server error")
	errUnexpected  = errors.New("unexpected status code")
	// ErrCircuitOpen is returned while the source breaker refuses calls.
	ErrCircuitOpen = errors.New("region source circuit open")
)

// Backoff controls retries of HTTPSource.
type Backoff struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPSource GETs region documents from a URL through a circuit breaker,
// retrying failed attempts with exponential backoff.
type HTTPSource struct {
	URL     string
	Client  *http.Client
	Backoff Backoff
	Log     zerolog.Logger
	Metrics *Metrics

	cb *gobreaker.CircuitBreaker[map[string]json.RawMessage]
}

// NewHTTPSource creates an HTTPSource. The breaker opens after failureThreshold
// consecutive failures and retries once openTimeout has passed.
func NewHTTPSource(url string, client *http.Client, backoff Backoff, failureThreshold uint32, openTimeout time.Duration, log zerolog.Logger, m *Metrics) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	s := &HTTPSource{URL: url, Client: client, Backoff: backoff, Log: log, Metrics: m}
	s.cb = gobreaker.NewCircuitBreaker[map[string]json.RawMessage](gobreaker.Settings{
		Name:        "region-source",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			m.SetBreakerState(to)
		},
	})
	return s
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) (map[string]json.RawMessage, error) {
	var attempt int
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docs, err := s.cb.Execute(func() (map[string]json.RawMessage, error) {
			return s.get(ctx)
		})
		if err == nil {
			return docs, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		if attempt >= s.Backoff.MaxRetries {
			return nil, err
		}
		delay := s.Backoff.InitialInterval << attempt
		if s.Backoff.MaxInterval > 0 && (delay > s.Backoff.MaxInterval || delay <= 0) {
			delay = s.Backoff.MaxInterval
		}
		s.Log.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("region fetch failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		attempt++
	}
}

func (s *HTTPSource) get(ctx context.Context) (map[string]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %d", errUnexpected, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	return decodeDocuments(b)
}
