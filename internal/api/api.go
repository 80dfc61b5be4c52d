// Package api serves the calibrated sensor-data query API and the key administration routes.
package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/StefanGrimminck/Haze/internal/admission"
	"github.com/StefanGrimminck/Haze/internal/auth"
	"github.com/StefanGrimminck/Haze/internal/calibration"
	"github.com/StefanGrimminck/Haze/internal/catalog"
	"github.com/StefanGrimminck/Haze/internal/measurement"
	"github.com/StefanGrimminck/Haze/internal/quota"
	"github.com/StefanGrimminck/Haze/internal/region"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// DefaultMaxRadius bounds getLocalSensorData, in meters.
const DefaultMaxRadius = 100000.0

// Regions yields the current region catalog.
type Regions interface {
	Current(ctx context.Context) (*region.Catalog, error)
}

// Handler serves /api and /limited.
type Handler struct {
	Readings     measurement.Store
	Regions      Regions
	Ledger       *quota.Ledger
	Admins       *auth.Validator
	Admission    *admission.Middleware
	QueryTimeout time.Duration
	MaxRadius    float64
	Log          zerolog.Logger
}

// Routes builds the API router.
func (h *Handler) Routes() chi.Router {
	days := h.gate(admission.QueryDays("startTime", "endTime"))
	free := h.gate(admission.Static(0))

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.With(days).Get("/getSensorData", h.getSensorData)
		r.With(days).Get("/getLocalSensorData", h.getLocalSensorData)
		r.With(free).Get("/getRegions", h.getRegions)
		r.With(free).Get("/getBoundingBox", h.getBoundingBox)
		r.With(free).Get("/getCorrectionFactors", h.getCorrectionFactors)
		r.With(free).Get("/getRegion", h.getRegion)
	})
	r.Route("/limited", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/createAPIObj", h.createAPIObj)
			r.Post("/updateAPIObj", h.updateAPIObj)
			r.Get("/getKey", h.getKey)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.gate(admission.Exempt))
			r.Get("/getQuota", h.getQuota)
			r.Get("/getQuotaUsed", h.getQuotaUsed)
			r.Get("/getQuotaRemaining", h.getQuotaRemaining)
		})
	})
	return r
}

func (h *Handler) gate(cost admission.CostFunc) func(http.Handler) http.Handler {
	if h.Admission == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.Admission.Gate(cost)
}

func (h *Handler) queryTimeout() time.Duration {
	if h.QueryTimeout > 0 {
		return h.QueryTimeout
	}
	return 30 * time.Second
}

func (h *Handler) maxRadius() float64 {
	if h.MaxRadius > 0 {
		return h.MaxRadius
	}
	return DefaultMaxRadius
}

// catalog returns the current snapshot or writes a 503.
func (h *Handler) catalog(w http.ResponseWriter, r *http.Request) (*region.Catalog, bool) {
	cat, err := h.Regions.Current(r.Context())
	if err != nil {
		if errors.Is(err, catalog.ErrColdStart) {
			h.Log.Error().Err(err).Msg("no region catalog loaded")
		} else {
			h.Log.Warn().Err(err).Msg("region catalog lookup")
		}
		respondErr(w, http.StatusServiceUnavailable, "catalog_unavailable")
		return nil, false
	}
	return cat, true
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func respondErr(w http.ResponseWriter, status int, code string) {
	respondJSON(w, status, map[string]string{"error": code})
}

func respondMessage(w http.ResponseWriter, status int, format string, args ...interface{}) {
	respondJSON(w, status, map[string]string{"message": fmt.Sprintf(format, args...)})
}

// paramError is a client mistake in the query string.
type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

func badParam(format string, args ...interface{}) error {
	return &paramError{msg: fmt.Sprintf(format, args...)}
}

func respondParamErr(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": err.Error()})
}

func requiredTime(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, badParam("%s is required", name)
	}
	t, err := calibration.ParseTime(s, time.UTC)
	if err != nil {
		return time.Time{}, badParam("%s: %v", name, err)
	}
	return t.UTC(), nil
}

func timeRange(r *http.Request) (time.Time, time.Time, error) {
	start, err := requiredTime(r, "startTime")
	if err != nil {
		return start, start, err
	}
	end, err := requiredTime(r, "endTime")
	if err != nil {
		return start, end, err
	}
	if !end.After(start) {
		return start, end, badParam("endTime must be after startTime")
	}
	return start, end, nil
}

func requiredFloat(r *http.Request, name string, lo, hi float64) (float64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, badParam("%s is required", name)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || f < lo || f > hi {
		return 0, badParam("%s must be a number in [%g, %g]", name, lo, hi)
	}
	return f, nil
}

// optionalLimit reads the row cap. Zero means no cap.
func optionalLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, badParam("limit must be a positive integer")
	}
	return n, nil
}

// listParam splits a comma separated parameter, dropping empty items.
func listParam(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// boolFlag treats a bare "?flag" as true.
func boolFlag(r *http.Request, name string) (bool, error) {
	q := r.URL.Query()
	if _, ok := q[name]; !ok {
		return false, nil
	}
	switch strings.ToLower(q.Get(name)) {
	case "", "1", "true", "yes", "t", "y":
		return true, nil
	case "0", "false", "no", "f", "n":
		return false, nil
	}
	return false, badParam("%s must be a boolean", name)
}

// areaModels resolves the areaModel parameter. nil means every region.
func areaModels(cat *region.Catalog, names []string) ([]*region.Region, error) {
	if len(names) == 0 || (len(names) == 1 && names[0] == "all") {
		return nil, nil
	}
	out := make([]*region.Region, 0, len(names))
	for _, n := range names {
		reg, ok := cat.ResolveByName(n)
		if !ok {
			return nil, badParam("unknown areaModel %q; see /api/getRegions", n)
		}
		out = append(out, reg)
	}
	return out, nil
}

// selectedRegions expands a nil selection from areaModels to the whole catalog.
func selectedRegions(cat *region.Catalog, names []string) ([]*region.Region, error) {
	regs, err := areaModels(cat, names)
	if err != nil || regs != nil {
		return regs, err
	}
	return cat.Regions(), nil
}
