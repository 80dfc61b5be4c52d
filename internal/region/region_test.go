package region

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/goccy/go-json"
)

const demoDoc = `{
	"Name": "Demo",
	"Timezone": "UTC",
	"bbox": {"north": 41, "south": 40, "east": -111, "west": -112},
	"Correction Factors": {
		"PMS5003": [
			{"starttime": "2020-01-01T00:00:00Z", "endtime": "2021-01-01T00:00:00Z", "slope": 1.1, "intercept": -2, "note": "v1"},
			{"starttime": "default", "slope": "1", "intercept": "0", "note": "fallback"}
		]
	},
	"Source table map": {"PurpleAir": "telemetry.purpleair"}
}`

func loadDocs(t *testing.T, docs map[string]string, opts LoadOptions) (*Catalog, Report) {
	t.Helper()
	raw := make(map[string]json.RawMessage, len(docs))
	for k, v := range docs {
		raw[k] = json.RawMessage(v)
	}
	return Load(raw, opts)
}

func TestResolve_DemoBBox(t *testing.T) {
	cat, report := loadDocs(t, map[string]string{"demo": demoDoc}, LoadOptions{})
	if errs := report.Errors(); len(errs) != 0 {
		t.Fatalf("report errors: %v", errs)
	}
	r, ok := cat.Resolve(40.5, -111.5)
	if !ok || r.Name != "demo" {
		t.Fatalf("Resolve(40.5, -111.5) = %v, %v; want demo", r, ok)
	}
	if r.DefaultHumidity != DefaultHumidity {
		t.Errorf("DefaultHumidity = %v, want %v", r.DefaultHumidity, DefaultHumidity)
	}
	if got := r.SourceTables["PurpleAir"]; got != "telemetry.purpleair" {
		t.Errorf("SourceTables[PurpleAir] = %q", got)
	}
	if _, ok := cat.Resolve(42, -111.5); ok {
		t.Error("Resolve(42, -111.5) found a region, want none")
	}
	if len(r.Calibration["PMS5003"]) != 2 {
		t.Errorf("calibration = %+v", r.Calibration)
	}
}

func TestContains_BoundaryRule(t *testing.T) {
	box := BBox{North: 41, South: 40, East: -111, West: -112}.Ring()
	tests := []struct {
		name     string
		lat, lon float64
		want     bool
	}{
		{"south edge", 40, -111.5, true},
		{"west edge", 40.5, -112, true},
		{"south-west corner", 40, -112, true},
		{"north edge", 41, -111.5, false},
		{"east edge", 40.5, -111, false},
		{"north-east corner", 41, -111, false},
		{"center", 40.5, -111.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := box.Contains(tt.lat, tt.lon); got != tt.want {
				t.Errorf("Contains(%v, %v) = %v, want %v", tt.lat, tt.lon, got, tt.want)
			}
		})
	}
}

// A regular polygon is convex: centroid-ward points are inside, points past
// the circumscribed circle are outside.
func TestContains_ConvexProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 3; n <= 12; n++ {
		poly := make(Polygon, n)
		for i := range poly {
			a := 2 * math.Pi * float64(i) / float64(n)
			poly[i] = Point{Lat: 10 * math.Sin(a), Lon: 10 * math.Cos(a)}
		}
		inradius := 10 * math.Cos(math.Pi/float64(n))
		for k := 0; k < 200; k++ {
			a := rng.Float64() * 2 * math.Pi
			in := rng.Float64() * inradius * 0.99
			if !poly.Contains(in*math.Sin(a), in*math.Cos(a)) {
				t.Fatalf("n=%d: point at radius %v angle %v reported outside", n, in, a)
			}
			out := 10.01 + rng.Float64()*20
			if poly.Contains(out*math.Sin(a), out*math.Cos(a)) {
				t.Fatalf("n=%d: point at radius %v angle %v reported inside", n, out, a)
			}
		}
	}
}

func TestContains_ClosedRingSameAsOpen(t *testing.T) {
	open := Polygon{{0, 0}, {0, 10}, {10, 10}, {10, 0}}
	closed := append(Polygon{}, open...)
	closed = append(closed, open[0])
	for _, p := range []Point{{5, 5}, {0, 5}, {10, 5}, {11, 5}, {5, -1}} {
		if open.Contains(p.Lat, p.Lon) != closed.Contains(p.Lat, p.Lon) {
			t.Errorf("open and closed rings disagree at %+v", p)
		}
	}
}

func TestContains_Concave(t *testing.T) {
	// U shape opening north.
	u := Polygon{{0, 0}, {10, 0}, {10, 3}, {3, 3}, {3, 7}, {10, 7}, {10, 10}, {0, 10}}
	if !u.Contains(5, 1) {
		t.Error("left arm should be inside")
	}
	if u.Contains(5, 5) {
		t.Error("notch should be outside")
	}
	if !u.Contains(1, 5) {
		t.Error("base should be inside")
	}
}

func TestLoad_QuarantinesMalformed(t *testing.T) {
	cat, report := loadDocs(t, map[string]string{
		"demo":      demoDoc,
		"badtz":     `{"Timezone": "Mars/Olympus", "bbox": {"north": 1, "south": 0, "east": 1, "west": 0}}`,
		"nogeom":    `{"Timezone": "UTC"}`,
		"twoverts":  `{"polygon": [[0, 0], [1, 1]]}`,
		"badbbox":   `{"bbox": {"north": 0, "south": 1, "east": 1, "west": 0}}`,
		"notobject": `[1, 2, 3]`,
	}, LoadOptions{})
	if cat.Len() != 1 || cat.Names()[0] != "demo" {
		t.Fatalf("catalog = %v", cat.Names())
	}
	if len(report.Quarantined) != 5 {
		t.Fatalf("quarantined = %d (%v), want 5", len(report.Quarantined), report.Quarantined)
	}
	for _, err := range report.Quarantined {
		if !errors.Is(err, ErrInvalidDocument) {
			t.Errorf("%v does not wrap ErrInvalidDocument", err)
		}
	}
}

func TestLoad_PolygonOverridesBBox(t *testing.T) {
	cat, report := loadDocs(t, map[string]string{
		"tri": `{"Default Humidity": "35", "bbox": {"north": 50, "south": -50, "east": 50, "west": -50},
			"polygon": [[0, 0], [10, 0], [0, 10]]}`,
	}, LoadOptions{})
	if len(report.Errors()) != 0 {
		t.Fatal(report.Errors())
	}
	r, ok := cat.ResolveByName("tri")
	if !ok {
		t.Fatal("tri not found")
	}
	if r.DefaultHumidity != 35 {
		t.Errorf("DefaultHumidity = %v", r.DefaultHumidity)
	}
	if r.BBox != (BBox{North: 10, South: 0, East: 10, West: 0}) {
		t.Errorf("BBox = %+v", r.BBox)
	}
	if _, ok := cat.Resolve(20, 20); ok {
		t.Error("point outside polygon but inside bbox resolved")
	}
	if _, ok := cat.Resolve(2, 2); !ok {
		t.Error("point inside triangle not resolved")
	}
}

func TestLoad_OverlapHandling(t *testing.T) {
	doc := `{"bbox": {"north": 1, "south": 0, "east": 1, "west": 0},
		"Correction Factors": {"PMS5003": [
			{"starttime": "2020-01-01", "endtime": "2020-06-01", "slope": 1, "intercept": 0},
			{"starttime": "2020-03-01", "endtime": "2020-09-01", "slope": 1, "intercept": 0}
		]}}`
	cat, report := loadDocs(t, map[string]string{"o": doc}, LoadOptions{})
	if cat.Len() != 1 || len(report.Overlaps) != 1 {
		t.Errorf("lenient: regions=%d overlaps=%v", cat.Len(), report.Overlaps)
	}
	cat, report = loadDocs(t, map[string]string{"o": doc}, LoadOptions{StrictIntervals: true})
	if cat.Len() != 0 || len(report.Quarantined) != 1 {
		t.Errorf("strict: regions=%d quarantined=%v", cat.Len(), report.Quarantined)
	}
}

func TestCatalog_OrderAndResolveAll(t *testing.T) {
	box := `{"bbox": {"north": 10, "south": 0, "east": 10, "west": 0}}`
	cat, _ := loadDocs(t, map[string]string{"zeta": box, "alpha": box, "mid": box}, LoadOptions{})
	names := cat.Names()
	if len(names) != 3 || names[0] != "alpha" || names[1] != "mid" || names[2] != "zeta" {
		t.Fatalf("Names = %v", names)
	}
	r, _ := cat.Resolve(5, 5)
	if r.Name != "alpha" {
		t.Errorf("Resolve first = %s, want alpha", r.Name)
	}
	if all := cat.ResolveAll(5, 5); len(all) != 3 {
		t.Errorf("ResolveAll = %d regions", len(all))
	}
	if _, ok := cat.ResolveByName("Alpha"); ok {
		t.Error("ResolveByName should be case-sensitive")
	}
}

func TestCatalog_NilSafe(t *testing.T) {
	var c *Catalog
	if _, ok := c.Resolve(0, 0); ok || c.Len() != 0 || c.Names() != nil {
		t.Error("nil catalog should resolve nothing")
	}
}

func TestDistance(t *testing.T) {
	// One degree of latitude is about 111.2 km.
	d := Distance(40, -111, 41, -111)
	if math.Abs(d-111195) > 200 {
		t.Errorf("Distance = %v", d)
	}
	if Distance(40, -111, 40, -111) != 0 {
		t.Error("zero distance expected")
	}
}
