package admission

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/StefanGrimminck/Haze/internal/calibration"
)

// CostExempt marks a request that never touches the ledger.
const CostExempt int64 = -1

// CostFunc computes the units a request will be charged.
type CostFunc func(r *http.Request) (int64, error)

// Static charges a fixed number of units.
func Static(n int64) CostFunc {
	return func(*http.Request) (int64, error) { return n, nil }
}

// Exempt skips the quota stage entirely.
var Exempt CostFunc = func(*http.Request) (int64, error) { return CostExempt, nil }

// ErrTimeRange is returned by QueryDays for an empty or inverted range.
var ErrTimeRange = errors.New("invalid time range")

// QueryDays charges one unit per distinct UTC calendar day touched by [start, end).
// One unit is charged when either bound is absent.
func QueryDays(startParam, endParam string) CostFunc {
	return func(r *http.Request) (int64, error) {
		q := r.URL.Query()
		startRaw, endRaw := strings.TrimSpace(q.Get(startParam)), strings.TrimSpace(q.Get(endParam))
		if startRaw == "" || endRaw == "" {
			return 1, nil
		}
		start, err := calibration.ParseTime(startRaw, time.UTC)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrTimeRange, startParam, err)
		}
		end, err := calibration.ParseTime(endRaw, time.UTC)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrTimeRange, endParam, err)
		}
		return DaysTouched(start, end)
	}
}

// DaysTouched counts the UTC calendar days that [start, end) overlaps.
func DaysTouched(start, end time.Time) (int64, error) {
	if !end.After(start) {
		return 0, fmt.Errorf("%w: end %s not after start %s", ErrTimeRange, end.UTC().Format(time.RFC3339), start.UTC().Format(time.RFC3339))
	}
	first := utcDay(start)
	last := utcDay(end.Add(-time.Nanosecond))
	return int64(last.Sub(first)/(24*time.Hour)) + 1, nil
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
