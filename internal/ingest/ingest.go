// Package ingest accepts batches of sensor readings from connectors.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/StefanGrimminck/Haze/internal/auth"
	"github.com/StefanGrimminck/Haze/internal/measurement"
	"github.com/StefanGrimminck/Haze/internal/ratelimit"
	"github.com/StefanGrimminck/Haze/internal/region"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Regions yields the current region catalog.
type Regions interface {
	Current(ctx context.Context) (*region.Catalog, error)
}

// Handler handles POST ingest requests (JSON array of readings).
type Handler struct {
	Validator    *auth.Validator
	RateLimiter  *ratelimit.PerKeyLimiter
	MaxBodyBytes int64
	MaxReadings  int
	Regions      Regions
	Store        measurement.Store
	StoreTimeout time.Duration
	Log          zerolog.Logger
	Metrics      *Metrics
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Result is the success body.
type Result struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondErr(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		h.respondErr(w, http.StatusUnsupportedMediaType, "invalid_content_type")
		return
	}

	connector := h.Validator.Authenticate(r)
	if connector == "" {
		h.Metrics.IncRequests("unknown", http.StatusUnauthorized)
		h.respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.RateLimiter.Allow(connector) {
		h.Metrics.IncRequests(connector, http.StatusTooManyRequests)
		w.Header().Set("Retry-After", strconv.Itoa(h.RateLimiter.RetryAfterSeconds(connector)))
		h.respondErr(w, http.StatusTooManyRequests, "rate_limit_exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Metrics.IncRequests(connector, http.StatusRequestEntityTooLarge)
			h.respondErr(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		h.Log.Debug().Err(err).Msg("read body")
		h.Metrics.IncRequests(connector, http.StatusBadRequest)
		h.respondErr(w, http.StatusBadRequest, "invalid_request")
		return
	}

	readings, status, code := h.decode(connector, body)
	if status != 0 {
		h.Metrics.IncRequests(connector, status)
		h.respondErr(w, status, code)
		return
	}

	catalog, err := h.Regions.Current(r.Context())
	if err != nil {
		h.Log.Error().Err(err).Str("connector", connector).Msg("region catalog unavailable")
		h.Metrics.IncRequests(connector, http.StatusServiceUnavailable)
		h.respondErr(w, http.StatusServiceUnavailable, "catalog_unavailable")
		return
	}
	kept, dropped := Label(catalog, readings)
	h.Metrics.AddReadings(connector, "accepted", len(kept))
	h.Metrics.AddReadings(connector, "dropped_no_region", dropped)

	ctx, cancel := context.WithTimeout(r.Context(), h.storeTimeout())
	defer cancel()
	if err := h.Store.Insert(ctx, kept); err != nil {
		h.Log.Error().Err(err).Str("connector", connector).Int("readings", len(kept)).Msg("store readings")
		h.Metrics.IncRequests(connector, http.StatusInternalServerError)
		h.respondErr(w, http.StatusInternalServerError, "internal_error")
		return
	}

	h.Metrics.IncRequests(connector, http.StatusOK)
	h.Log.Info().Str("connector", connector).Int("accepted", len(kept)).Int("dropped", dropped).Msg("ingest batch ok")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Result{Accepted: len(kept), Dropped: dropped})
}

// decode parses and validates the batch. A non-zero status means reject.
func (h *Handler) decode(connector string, body []byte) ([]measurement.Reading, int, string) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed[0] != '[' {
		return nil, http.StatusBadRequest, "invalid_request"
	}
	var readings []measurement.Reading
	if err := json.Unmarshal(body, &readings); err != nil {
		h.Log.Debug().Err(err).Str("connector", connector).Msg("decode readings")
		return nil, http.StatusBadRequest, "invalid_request"
	}
	if h.MaxReadings > 0 && len(readings) > h.MaxReadings {
		return nil, http.StatusRequestEntityTooLarge, "batch_too_large"
	}
	for i := range readings {
		if readings[i].Source == "" {
			readings[i].Source = connector
		}
		if err := validate.Struct(readings[i]); err != nil {
			h.Log.Debug().Err(err).Str("connector", connector).Int("index", i).Msg("invalid reading")
			return nil, http.StatusBadRequest, "invalid_reading"
		}
		readings[i].Time = readings[i].Time.UTC()
	}
	return readings, 0, ""
}

// Label assigns each reading without a known region to the first region containing it.
// Readings outside every region are dropped.
func Label(c *region.Catalog, readings []measurement.Reading) ([]measurement.Reading, int) {
	kept := readings[:0:0]
	for _, rd := range readings {
		if rd.Region != "" {
			if _, ok := c.ResolveByName(rd.Region); ok {
				kept = append(kept, rd)
				continue
			}
		}
		reg, ok := c.Resolve(rd.Lat, rd.Lon)
		if !ok {
			continue
		}
		rd.Region = reg.Name
		kept = append(kept, rd)
	}
	return kept, len(readings) - len(kept)
}

func (h *Handler) storeTimeout() time.Duration {
	if h.StoreTimeout > 0 {
		return h.StoreTimeout
	}
	return 10 * time.Second
}

func (h *Handler) respondErr(w http.ResponseWriter, code int, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, errMsg)
}
