package calibration

import (
	"math"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultKey is the table entry used for sensor types without their own intervals,
	// and the starttime marker of an interval that applies at any time.
	DefaultKey = "default"
	// NoCorrection is the note returned when no interval applies.
	NoCorrection = "no correction"
)

// Interval is one set of linear correction coefficients for a sensor type.
// Start is inclusive, End exclusive. A Default interval matches any timestamp.
type Interval struct {
	SensorType    string
	Start         time.Time
	End           time.Time
	Default       bool
	Slope         float64
	HumiditySlope float64
	Intercept     float64
	Note          string
}

// Contains reports whether ts falls inside the interval.
func (iv Interval) Contains(ts time.Time) bool {
	if iv.Default {
		return true
	}
	return !ts.Before(iv.Start) && ts.Before(iv.End)
}

// Apply computes the corrected value, clamped at zero.
func (iv Interval) Apply(raw, humidity float64) float64 {
	return math.Max(raw*iv.Slope+humidity*iv.HumiditySlope+iv.Intercept, 0)
}

// MarshalJSON writes the interval in the same shape region documents use.
func (iv Interval) MarshalJSON() ([]byte, error) {
	out := struct {
		StartTime     string  `json:"starttime"`
		EndTime       string  `json:"endtime,omitempty"`
		Slope         float64 `json:"slope"`
		HumiditySlope float64 `json:"humidslope"`
		Intercept     float64 `json:"intercept"`
		Note          string  `json:"note"`
	}{
		StartTime:     DefaultKey,
		Slope:         iv.Slope,
		HumiditySlope: iv.HumiditySlope,
		Intercept:     iv.Intercept,
		Note:          iv.Note,
	}
	if !iv.Default {
		out.StartTime = iv.Start.UTC().Format(time.RFC3339)
		out.EndTime = iv.End.UTC().Format(time.RFC3339)
	}
	return json.Marshal(out)
}

// Table maps a sensor type to its intervals in stored order. The default
// interval of a type, if any, is always the last element.
type Table map[string][]Interval

// Select returns the interval that applies to sensorType at ts.
// Sensor types missing from the table use the DefaultKey entry.
func (t Table) Select(sensorType string, ts time.Time) (Interval, bool) {
	intervals, ok := t[sensorType]
	if !ok {
		intervals, ok = t[DefaultKey]
		if !ok {
			return Interval{}, false
		}
	}
	def := -1
	for i := range intervals {
		if intervals[i].Default {
			if def < 0 {
				def = i
			}
			continue
		}
		if intervals[i].Contains(ts) {
			return intervals[i], true
		}
	}
	if def >= 0 {
		return intervals[def], true
	}
	return Interval{}, false
}

// At returns, per sensor type, the interval in force at ts.
func (t Table) At(ts time.Time) map[string]Interval {
	out := make(map[string]Interval, len(t))
	for sensorType := range t {
		if iv, ok := t.Select(sensorType, ts); ok {
			out[sensorType] = iv
		}
	}
	return out
}

// Result is the outcome of Correct.
type Result struct {
	Value   float64
	Note    string
	Applied bool
}

// Correct applies the table to one raw reading. humidity must already have a
// fallback substituted by the caller.
func Correct(t Table, sensorType string, ts time.Time, raw, humidity float64) Result {
	iv, ok := t.Select(sensorType, ts)
	if !ok {
		return Result{Value: raw, Note: NoCorrection}
	}
	return Result{Value: iv.Apply(raw, humidity), Note: iv.Note, Applied: true}
}
