package region

import (
	"sort"
)

// Catalog is an immutable snapshot of every loaded region, ordered by name.
type Catalog struct {
	regions []*Region
	byName  map[string]*Region
}

// NewCatalog builds a catalog. Later duplicates of a name are ignored.
func NewCatalog(regions []*Region) *Catalog {
	c := &Catalog{byName: make(map[string]*Region, len(regions))}
	for _, r := range regions {
		if r == nil {
			continue
		}
		if _, dup := c.byName[r.Name]; dup {
			continue
		}
		c.byName[r.Name] = r
		c.regions = append(c.regions, r)
	}
	sort.Slice(c.regions, func(i, j int) bool { return c.regions[i].Name < c.regions[j].Name })
	return c
}

// Len returns the number of regions.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.regions)
}

// Regions returns the regions in catalog order.
func (c *Catalog) Regions() []*Region {
	if c == nil {
		return nil
	}
	out := make([]*Region, len(c.regions))
	copy(out, c.regions)
	return out
}

// Names returns region names in catalog order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.regions))
	for i, r := range c.regions {
		out[i] = r.Name
	}
	return out
}

// Resolve returns the first region, in catalog order, containing the point.
func (c *Catalog) Resolve(lat, lon float64) (*Region, bool) {
	if c == nil {
		return nil, false
	}
	for _, r := range c.regions {
		if r.Contains(lat, lon) {
			return r, true
		}
	}
	return nil, false
}

// ResolveAll returns every region containing the point, in catalog order.
func (c *Catalog) ResolveAll(lat, lon float64) []*Region {
	if c == nil {
		return nil
	}
	var out []*Region
	for _, r := range c.regions {
		if r.Contains(lat, lon) {
			out = append(out, r)
		}
	}
	return out
}

// ResolveByName is a case-sensitive exact lookup.
func (c *Catalog) ResolveByName(name string) (*Region, bool) {
	if c == nil {
		return nil, false
	}
	r, ok := c.byName[name]
	return r, ok
}

// IntervalCount returns the number of calibration intervals across all regions.
func (c *Catalog) IntervalCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, r := range c.regions {
		for _, ivs := range r.Calibration {
			n += len(ivs)
		}
	}
	return n
}
