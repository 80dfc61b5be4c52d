package api

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/StefanGrimminck/Haze/internal/calibration"
	"github.com/StefanGrimminck/Haze/internal/measurement"
	"github.com/StefanGrimminck/Haze/internal/region"
)

// Measurement is one reading as returned to API clients.
type Measurement struct {
	Source   string   `json:"source"`
	ID       string   `json:"id"`
	PM25     float64  `json:"pm2_5"`
	Humidity *float64 `json:"humidity"`
	Time     string   `json:"time"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Status   string   `json:"status"`
}

// Correct converts a stored reading into a response row. The region is the row's
// labelled region, or the one containing it when the label is not in the catalog.
func Correct(cat *region.Catalog, rd measurement.Reading, noCorrection bool) Measurement {
	m := Measurement{
		Source:   rd.Source,
		ID:       rd.ID,
		PM25:     rd.PM25,
		Humidity: rd.Humidity,
		Time:     rd.Time.UTC().Format(time.RFC3339),
		Lat:      rd.Lat,
		Lon:      rd.Lon,
		Status:   calibration.NoCorrection,
	}
	if noCorrection {
		return m
	}
	reg, ok := cat.ResolveByName(rd.Region)
	if !ok {
		if reg, ok = cat.Resolve(rd.Lat, rd.Lon); !ok {
			return m
		}
	}
	humidity := reg.DefaultHumidity
	if rd.Humidity != nil {
		humidity = *rd.Humidity
	}
	res := calibration.Correct(reg.Calibration, calibration.ResolveSensorType(rd.SensorModel, rd.Source), rd.Time, rd.PM25, humidity)
	m.PM25, m.Status = res.Value, res.Note
	if m.Status == "" {
		m.Status = "corrected"
	}
	return m
}

func correctAll(cat *region.Catalog, rows []measurement.Reading, noCorrection bool) []Measurement {
	out := make([]Measurement, 0, len(rows))
	for _, rd := range rows {
		out = append(out, Correct(cat, rd, noCorrection))
	}
	return out
}

func (h *Handler) getSensorData(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		respondParamErr(w, err)
		return
	}
	noCorrection, err := boolFlag(r, "noCorrection")
	if err != nil {
		respondParamErr(w, err)
		return
	}
	cat, ok := h.catalog(w, r)
	if !ok {
		return
	}
	regs, err := areaModels(cat, listParam(r, "areaModel"))
	if err != nil {
		respondParamErr(w, err)
		return
	}

	limit, err := optionalLimit(r)
	if err != nil {
		respondParamErr(w, err)
		return
	}
	q := measurement.Query{Start: start, End: end, IDs: listParam(r, "id"), Limit: limit}
	if src := r.URL.Query().Get("sensorSource"); src != "" && src != "all" {
		q.Source = src
	}
	for _, reg := range regs {
		q.Regions = append(q.Regions, reg.Name)
	}

	rows, err := h.query(r.Context(), q)
	if err != nil {
		h.Log.Error().Err(err).Msg("sensor data query")
		respondErr(w, http.StatusInternalServerError, "query_failed")
		return
	}
	respondJSON(w, http.StatusOK, correctAll(cat, rows, noCorrection))
}

func (h *Handler) getLocalSensorData(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		respondParamErr(w, err)
		return
	}
	lat, err := requiredFloat(r, "lat", -90, 90)
	if err != nil {
		respondParamErr(w, err)
		return
	}
	lon, err := requiredFloat(r, "lon", -180, 180)
	if err != nil {
		respondParamErr(w, err)
		return
	}
	radius, err := requiredFloat(r, "radius", 0, h.maxRadius())
	if err != nil || radius == 0 {
		respondParamErr(w, badParam("radius must be in meters, greater than 0 and at most %g", h.maxRadius()))
		return
	}
	cat, ok := h.catalog(w, r)
	if !ok {
		return
	}
	reg, ok := cat.Resolve(lat, lon)
	if !ok {
		respondMessage(w, http.StatusBadRequest, "(%g, %g) is not within a currently tracked region. This route currently only works within a tracked region.", lat, lon)
		return
	}

	rows, err := h.query(r.Context(), measurement.Query{
		Start:    start,
		End:      end,
		Regions:  []string{reg.Name},
		Envelope: envelope(lat, lon, radius),
	})
	if err != nil {
		h.Log.Error().Err(err).Str("region", reg.Name).Msg("local sensor data query")
		respondErr(w, http.StatusInternalServerError, "query_failed")
		return
	}
	near := rows[:0]
	for _, rd := range rows {
		if region.Distance(lat, lon, rd.Lat, rd.Lon) <= radius {
			near = append(near, rd)
		}
	}
	respondJSON(w, http.StatusOK, correctAll(cat, near, false))
}

func (h *Handler) query(ctx context.Context, q measurement.Query) ([]measurement.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, h.queryTimeout())
	defer cancel()
	return h.Readings.Query(ctx, q)
}

const metersPerDegree = 111320.0

// envelope is a lat/lon box enclosing the circle, used to prefilter the store query.
func envelope(lat, lon, radius float64) *measurement.Envelope {
	dLat := radius / metersPerDegree
	e := &measurement.Envelope{
		South: math.Max(lat-dLat, -90),
		North: math.Min(lat+dLat, 90),
		West:  -180,
		East:  180,
	}
	if c := math.Cos(lat * math.Pi / 180); c > 1e-6 {
		dLon := radius / (metersPerDegree * c)
		if dLon < 180 {
			e.West, e.East = math.Max(lon-dLon, -180), math.Min(lon+dLon, 180)
		}
	}
	return e
}
