package region

import (
	"fmt"
	"math"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// BBox is an axis-aligned bounding box in degrees.
type BBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Validate checks ordering and ranges. Boxes crossing the antimeridian are not supported.
func (b BBox) Validate() error {
	if b.North > 90 || b.South < -90 || b.East > 180 || b.West < -180 {
		return fmt.Errorf("bbox out of range: %+v", b)
	}
	if b.North <= b.South {
		return fmt.Errorf("bbox north %v not above south %v", b.North, b.South)
	}
	if b.East <= b.West {
		return fmt.Errorf("bbox east %v not above west %v", b.East, b.West)
	}
	return nil
}

// Ring returns the box as a polygon: NW, NE, SE, SW.
func (b BBox) Ring() Polygon {
	return Polygon{
		{Lat: b.North, Lon: b.West},
		{Lat: b.North, Lon: b.East},
		{Lat: b.South, Lon: b.East},
		{Lat: b.South, Lon: b.West},
	}
}

// Covers is a cheap envelope test, inclusive on every edge.
func (b BBox) Covers(lat, lon float64) bool {
	return lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}

// Polygon is an ordered vertex ring. The closing edge back to the first vertex is implicit.
type Polygon []Point

// Validate requires at least three vertices inside WGS84 ranges.
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return fmt.Errorf("polygon needs at least 3 vertices, got %d", len(p))
	}
	for i, v := range p {
		if math.IsNaN(v.Lat) || math.IsNaN(v.Lon) || v.Lat < -90 || v.Lat > 90 || v.Lon < -180 || v.Lon > 180 {
			return fmt.Errorf("vertex %d out of range: %+v", i, v)
		}
	}
	return nil
}

// Envelope returns the smallest BBox holding every vertex.
func (p Polygon) Envelope() BBox {
	if len(p) == 0 {
		return BBox{}
	}
	b := BBox{North: p[0].Lat, South: p[0].Lat, East: p[0].Lon, West: p[0].Lon}
	for _, v := range p[1:] {
		b.North = math.Max(b.North, v.Lat)
		b.South = math.Min(b.South, v.Lat)
		b.East = math.Max(b.East, v.Lon)
		b.West = math.Min(b.West, v.Lon)
	}
	return b
}

// Contains tests the point with the crossing-number rule in x=lon, y=lat space.
//
// Edges are half-open in y (an edge counts when exactly one endpoint lies
// strictly above the point) and a crossing counts only strictly east of the
// point. For an axis-aligned box this puts the south and west edges inside and
// the north and east edges outside, every time.
func (p Polygon) Contains(lat, lon float64) bool {
	n := len(p)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		yi, yj := p[i].Lat, p[j].Lat
		if (yi > lat) == (yj > lat) {
			continue
		}
		xi, xj := p[i].Lon, p[j].Lon
		cross := xj + (lat-yj)*(xi-xj)/(yi-yj)
		if lon < cross {
			inside = !inside
		}
	}
	return inside
}

const earthRadiusMeters = 6371008.8

// Distance returns the great-circle distance between two points in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}
