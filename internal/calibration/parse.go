package calibration

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedInterval marks an interval that was skipped at load time.
var ErrMalformedInterval = errors.New("malformed calibration interval")

// Number decodes a JSON number or a numeric string.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if len(s) >= 2 && s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(unq)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*n = Number(f)
	return nil
}

// RawInterval is one correction-factor row as stored in a region document.
type RawInterval struct {
	StartTime     string  `json:"starttime"`
	EndTime       string  `json:"endtime"`
	Slope         *Number `json:"slope"`
	HumidSlope    *Number `json:"humidslope"`
	HumiditySlope *Number `json:"humidity_slope"`
	Intercept     *Number `json:"intercept"`
	Note          string  `json:"note"`
}

// RawTable is the correction-factor map of a region document.
type RawTable map[string][]RawInterval

// zone-less layouts are read in the region's timezone
var (
	zonedLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05Z07:00"}
	localLayouts = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02"}
)

// ParseTime parses a coefficient boundary. Times without a zone are read in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// ParseTable converts raw rows into a Table. Malformed rows are skipped and
// returned as errors wrapping ErrMalformedInterval; parsing continues.
// Dated intervals keep their stored order and the default goes last.
func ParseTable(raw RawTable, loc *time.Location) (Table, []error) {
	table := make(Table, len(raw))
	var errs []error
	types := make([]string, 0, len(raw))
	for sensorType := range raw {
		types = append(types, sensorType)
	}
	sort.Strings(types)

	for _, sensorType := range types {
		var dated []Interval
		var def *Interval
		for i, row := range raw[sensorType] {
			iv, err := parseInterval(sensorType, row, loc)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s[%d]: %v", ErrMalformedInterval, sensorType, i, err))
				continue
			}
			if iv.Default {
				if def != nil {
					errs = append(errs, fmt.Errorf("%w: %s[%d]: second default interval", ErrMalformedInterval, sensorType, i))
					continue
				}
				def = &iv
				continue
			}
			dated = append(dated, iv)
		}
		if def != nil {
			dated = append(dated, *def)
		}
		if len(dated) > 0 {
			table[sensorType] = dated
		}
	}
	return table, errs
}

func parseInterval(sensorType string, row RawInterval, loc *time.Location) (Interval, error) {
	if row.Slope == nil {
		return Interval{}, errors.New("missing slope")
	}
	if row.Intercept == nil {
		return Interval{}, errors.New("missing intercept")
	}
	iv := Interval{
		SensorType: sensorType,
		Slope:      float64(*row.Slope),
		Intercept:  float64(*row.Intercept),
		Note:       row.Note,
	}
	switch {
	case row.HumidSlope != nil:
		iv.HumiditySlope = float64(*row.HumidSlope)
	case row.HumiditySlope != nil:
		iv.HumiditySlope = float64(*row.HumiditySlope)
	}
	for name, v := range map[string]float64{"slope": iv.Slope, "humidslope": iv.HumiditySlope, "intercept": iv.Intercept} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Interval{}, fmt.Errorf("%s is not finite", name)
		}
	}
	if row.StartTime == DefaultKey {
		iv.Default = true
		return iv, nil
	}
	start, err := ParseTime(row.StartTime, loc)
	if err != nil {
		return Interval{}, fmt.Errorf("starttime: %w", err)
	}
	end, err := ParseTime(row.EndTime, loc)
	if err != nil {
		return Interval{}, fmt.Errorf("endtime: %w", err)
	}
	if !start.Before(end) {
		return Interval{}, fmt.Errorf("starttime %s not before endtime %s", row.StartTime, row.EndTime)
	}
	iv.Start, iv.End = start, end
	return iv, nil
}

// Overlap describes two dated intervals of one sensor type that share time.
type Overlap struct {
	SensorType string
	First      int
	Second     int
}

func (o Overlap) String() string {
	return fmt.Sprintf("%s: intervals %d and %d overlap", o.SensorType, o.First, o.Second)
}

// Overlaps lists pairs of dated intervals whose ranges intersect. Selection
// still takes the first match in stored order.
func (t Table) Overlaps() []Overlap {
	var out []Overlap
	types := make([]string, 0, len(t))
	for sensorType := range t {
		types = append(types, sensorType)
	}
	sort.Strings(types)
	for _, sensorType := range types {
		ivs := t[sensorType]
		for i := 0; i < len(ivs); i++ {
			if ivs[i].Default {
				continue
			}
			for j := i + 1; j < len(ivs); j++ {
				if ivs[j].Default {
					continue
				}
				if ivs[i].Start.Before(ivs[j].End) && ivs[j].Start.Before(ivs[i].End) {
					out = append(out, Overlap{SensorType: sensorType, First: i, Second: j})
				}
			}
		}
	}
	return out
}
