package api

import (
	"net/http"
	"time"

	"github.com/StefanGrimminck/Haze/internal/calibration"
	"github.com/StefanGrimminck/Haze/internal/region"
)

type boundingBox struct {
	North float64 `json:"North"`
	South float64 `json:"South"`
	East  float64 `json:"East"`
	West  float64 `json:"West"`
}

// RegionInfo describes one region without its calibration table.
type RegionInfo struct {
	Name            string            `json:"name"`
	DisplayName     string            `json:"displayName,omitempty"`
	Timezone        string            `json:"timezone"`
	DefaultHumidity float64           `json:"defaultHumidity"`
	BBox            region.BBox       `json:"bbox"`
	Polygon         []region.Point    `json:"polygon"`
	SourceTables    map[string]string `json:"sourceTables,omitempty"`
	Note            string            `json:"note,omitempty"`
	// Overlapping names the other regions that also contain a lat/lon lookup.
	Overlapping []string `json:"overlapping,omitempty"`
}

func regionInfo(reg *region.Region) RegionInfo {
	return RegionInfo{
		Name:            reg.Name,
		DisplayName:     reg.DisplayName,
		Timezone:        reg.Timezone.String(),
		DefaultHumidity: reg.DefaultHumidity,
		BBox:            reg.BBox,
		Polygon:         reg.Polygon,
		SourceTables:    reg.SourceTables,
		Note:            reg.Note,
	}
}

func (h *Handler) getRegions(w http.ResponseWriter, r *http.Request) {
	cat, ok := h.catalog(w, r)
	if !ok {
		return
	}
	names := cat.Names()
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, map[string][]string{"regions": names})
}

func (h *Handler) getBoundingBox(w http.ResponseWriter, r *http.Request) {
	names := listParam(r, "areaModel")
	if len(names) == 0 {
		respondParamErr(w, badParam("areaModel is required"))
		return
	}
	cat, ok := h.catalog(w, r)
	if !ok {
		return
	}
	regs, err := selectedRegions(cat, names)
	if err != nil {
		respondParamErr(w, err)
		return
	}
	out := make(map[string]boundingBox, len(regs))
	for _, reg := range regs {
		out[reg.Name] = boundingBox{North: reg.BBox.North, South: reg.BBox.South, East: reg.BBox.East, West: reg.BBox.West}
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) getCorrectionFactors(w http.ResponseWriter, r *http.Request) {
	var (
		at    time.Time
		hasAt bool
	)
	if s := r.URL.Query().Get("time"); s != "" {
		t, err := calibration.ParseTime(s, time.UTC)
		if err != nil {
			respondParamErr(w, badParam("time: %v", err))
			return
		}
		at, hasAt = t, true
	}
	cat, ok := h.catalog(w, r)
	if !ok {
		return
	}
	regs, err := selectedRegions(cat, listParam(r, "areaModel"))
	if err != nil {
		respondParamErr(w, err)
		return
	}
	out := make(map[string]interface{}, len(regs))
	for _, reg := range regs {
		if hasAt {
			out[reg.Name] = reg.Calibration.At(at)
			continue
		}
		table := reg.Calibration
		if table == nil {
			table = calibration.Table{}
		}
		out[reg.Name] = table
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) getRegion(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" && (q.Get("lat") == "" || q.Get("lon") == "") {
		respondParamErr(w, badParam("pass either name or both lat and lon"))
		return
	}
	var lat, lon float64
	if name == "" {
		var err error
		if lat, err = requiredFloat(r, "lat", -90, 90); err != nil {
			respondParamErr(w, err)
			return
		}
		if lon, err = requiredFloat(r, "lon", -180, 180); err != nil {
			respondParamErr(w, err)
			return
		}
	}
	cat, ok := h.catalog(w, r)
	if !ok {
		return
	}
	if name != "" {
		reg, ok := cat.ResolveByName(name)
		if !ok {
			respondMessage(w, http.StatusNotFound, "no tracked region matches the request")
			return
		}
		respondJSON(w, http.StatusOK, regionInfo(reg))
		return
	}
	// The first match in catalog order wins, as in Resolve.
	all := cat.ResolveAll(lat, lon)
	if len(all) == 0 {
		respondMessage(w, http.StatusNotFound, "no tracked region matches the request")
		return
	}
	info := regionInfo(all[0])
	for _, other := range all[1:] {
		info.Overlapping = append(info.Overlapping, other.Name)
	}
	respondJSON(w, http.StatusOK, info)
}
