// Package region holds the typed region catalog and the geofence resolver.
package region

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/StefanGrimminck/Haze/internal/calibration"
	"github.com/goccy/go-json"
)

// DefaultHumidity is substituted when neither the reading nor the region has a humidity value.
const DefaultHumidity = 50.0

// ErrInvalidDocument marks a region document that was quarantined at load time.
var ErrInvalidDocument = errors.New("invalid region document")

// Region is one tracked area. Regions are immutable once loaded.
type Region struct {
	Name            string
	DisplayName     string
	Polygon         Polygon
	BBox            BBox
	Timezone        *time.Location
	DefaultHumidity float64
	Calibration     calibration.Table
	SourceTables    map[string]string
	Note            string
}

// Contains reports whether the point lies inside the region polygon.
func (r *Region) Contains(lat, lon float64) bool {
	if !r.BBox.Covers(lat, lon) {
		return false
	}
	return r.Polygon.Contains(lat, lon)
}

// document is the stored JSON shape of one region.
type document struct {
	Name              string                 `json:"Name"`
	Timezone          string                 `json:"Timezone"`
	DefaultHumidity   *calibration.Number    `json:"Default Humidity"`
	BBox              *rawBBox               `json:"bbox"`
	Polygon           [][]calibration.Number `json:"polygon"`
	CorrectionFactors calibration.RawTable   `json:"Correction Factors"`
	SourceTableMap    map[string]string      `json:"Source table map"`
	Note              string                 `json:"Note"`
}

type rawBBox struct {
	North *calibration.Number `json:"north"`
	South *calibration.Number `json:"south"`
	East  *calibration.Number `json:"east"`
	West  *calibration.Number `json:"west"`
}

func (b *rawBBox) typed() (BBox, error) {
	if b.North == nil || b.South == nil || b.East == nil || b.West == nil {
		return BBox{}, errors.New("bbox needs north, south, east and west")
	}
	out := BBox{North: float64(*b.North), South: float64(*b.South), East: float64(*b.East), West: float64(*b.West)}
	return out, out.Validate()
}

// LoadOptions controls catalog parsing.
type LoadOptions struct {
	// StrictIntervals quarantines regions whose dated intervals overlap.
	StrictIntervals bool
	// DefaultHumidity applies to regions without their own value. Zero means DefaultHumidity.
	DefaultHumidity float64
}

// Report lists what Load skipped or flagged.
type Report struct {
	Quarantined []error
	Intervals   []error
	Overlaps    []string
}

// Errors flattens the report into one slice.
func (r Report) Errors() []error {
	out := make([]error, 0, len(r.Quarantined)+len(r.Intervals))
	out = append(out, r.Quarantined...)
	return append(out, r.Intervals...)
}

// Load parses region documents keyed by region name into a Catalog.
// Malformed documents are quarantined and reported; the rest load.
func Load(docs map[string]json.RawMessage, opts LoadOptions) (*Catalog, Report) {
	var report Report
	humidity := opts.DefaultHumidity
	if humidity == 0 {
		humidity = DefaultHumidity
	}
	regions := make([]*Region, 0, len(docs))
	for name, raw := range docs {
		r, skipped, err := parseRegion(name, raw, humidity)
		if err != nil {
			report.Quarantined = append(report.Quarantined, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, name, err))
			continue
		}
		report.Intervals = append(report.Intervals, skipped...)
		overlaps := r.Calibration.Overlaps()
		if len(overlaps) > 0 && opts.StrictIntervals {
			report.Quarantined = append(report.Quarantined, fmt.Errorf("%w: %s: overlapping intervals: %v", ErrInvalidDocument, name, overlaps))
			continue
		}
		for _, o := range overlaps {
			report.Overlaps = append(report.Overlaps, name+"/"+o.String())
		}
		regions = append(regions, r)
	}
	sort.Strings(report.Overlaps)
	return NewCatalog(regions), report
}

func parseRegion(name string, raw json.RawMessage, fallbackHumidity float64) (*Region, []error, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil, errors.New("empty region name")
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, err
	}
	loc := time.UTC
	if doc.Timezone != "" {
		l, err := time.LoadLocation(doc.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("timezone %q: %w", doc.Timezone, err)
		}
		loc = l
	}

	r := &Region{
		Name:            name,
		DisplayName:     doc.Name,
		Timezone:        loc,
		DefaultHumidity: fallbackHumidity,
		SourceTables:    doc.SourceTableMap,
		Note:            doc.Note,
	}
	if doc.DefaultHumidity != nil {
		r.DefaultHumidity = float64(*doc.DefaultHumidity)
	}

	switch {
	case len(doc.Polygon) > 0:
		poly := make(Polygon, 0, len(doc.Polygon))
		for i, v := range doc.Polygon {
			if len(v) != 2 {
				return nil, nil, fmt.Errorf("polygon vertex %d: want [lat, lon]", i)
			}
			poly = append(poly, Point{Lat: float64(v[0]), Lon: float64(v[1])})
		}
		if err := poly.Validate(); err != nil {
			return nil, nil, err
		}
		r.Polygon = poly
		r.BBox = poly.Envelope()
	case doc.BBox != nil:
		b, err := doc.BBox.typed()
		if err != nil {
			return nil, nil, err
		}
		r.BBox = b
		r.Polygon = b.Ring()
	default:
		return nil, nil, errors.New("no bbox or polygon")
	}

	table, skipped := calibration.ParseTable(doc.CorrectionFactors, loc)
	for i := range skipped {
		skipped[i] = fmt.Errorf("%s: %w", name, skipped[i])
	}
	r.Calibration = table
	return r, skipped, nil
}
