// Package measurement stores raw sensor readings behind a query interface.
package measurement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Reading is one raw PM2.5 sample as stored.
type Reading struct {
	Source      string    `json:"source" validate:"required,max=64"`
	ID          string    `json:"id" validate:"required,max=128"`
	PM25        float64   `json:"pm2_5" validate:"gte=0"`
	Humidity    *float64  `json:"humidity,omitempty" validate:"omitempty,gte=0,lte=100"`
	Time        time.Time `json:"time" validate:"required"`
	Lat         float64   `json:"lat" validate:"latitude"`
	Lon         float64   `json:"lon" validate:"longitude"`
	SensorModel string    `json:"sensor_model,omitempty" validate:"max=64"`
	Region      string    `json:"region,omitempty"`
}

// Query selects readings with Start <= Time < End. Empty filters match everything.
type Query struct {
	Start   time.Time
	End     time.Time
	Source  string
	IDs     []string
	Regions []string
	// Envelope, when set, restricts lat/lon to an inclusive box.
	Envelope *Envelope
	Limit    int
}

// Envelope is an inclusive lat/lon box.
type Envelope struct {
	South, North, West, East float64
}

func (q Query) matches(r Reading) bool {
	if r.Time.Before(q.Start) || !r.Time.Before(q.End) {
		return false
	}
	if q.Source != "" && r.Source != q.Source {
		return false
	}
	if len(q.IDs) > 0 && !contains(q.IDs, r.ID) {
		return false
	}
	if len(q.Regions) > 0 && !contains(q.Regions, r.Region) {
		return false
	}
	if e := q.Envelope; e != nil && (r.Lat < e.South || r.Lat > e.North || r.Lon < e.West || r.Lon > e.East) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Store persists readings.
type Store interface {
	Insert(ctx context.Context, readings []Reading) error
	Query(ctx context.Context, q Query) ([]Reading, error)
	Close() error
}

// MemoryStore keeps readings in process, for tests and small deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	readings []Reading
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(ctx context.Context, readings []Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range readings {
		r.Time = r.Time.UTC()
		s.readings = append(s.readings, r)
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []Reading
	for _, r := range s.readings {
		if q.matches(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sortReadings(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortReadings(rs []Reading) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].Time.Equal(rs[j].Time) {
			return rs[i].Time.Before(rs[j].Time)
		}
		if rs[i].Source != rs[j].Source {
			return rs[i].Source < rs[j].Source
		}
		return rs[i].ID < rs[j].ID
	})
}
