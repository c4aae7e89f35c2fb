// Package window keeps the trailing buffer of circuit readings and turns it
// into a smoothed load estimate.
package window

import (
	"errors"
	"sort"
	"sync"
	"time"

	"amp-controller/internal/models"
)

var ErrInsufficientData = errors.New("insufficient data in sample window")

// MaxClockSkew is how far ahead of the local clock a reading may be stamped
// before its timestamp is replaced by the local time of arrival.
const MaxClockSkew = 2 * time.Second

// Load is the smoothed view of the window at one instant.
type Load struct {
	Amps    float64
	MaxAmps float64
	Watts   float64
	Volts   float64 // most recent non-zero voltage, 0 if none was observed
	Samples int
	Newest  time.Time
}

// Window is a time-ordered buffer of readings spanning Retention.
type Window struct {
	mu         sync.RWMutex
	readings   []models.Reading // sorted by Timestamp asc
	retention  time.Duration
	minSamples int
	clamped    int64
	now        func() time.Time
}

func New(retention time.Duration, minSamples int) *Window {
	if minSamples < 1 {
		minSamples = 1
	}
	return &Window{
		retention:  retention,
		minSamples: minSamples,
		now:        time.Now,
	}
}

// Record inserts r at the position given by its timestamp, then prunes
// anything that fell behind the horizon of the newest reading. A reading
// stamped in the future is kept at the local arrival time instead.
func (w *Window) Record(r models.Reading) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if r.Timestamp.After(now.Add(MaxClockSkew)) {
		r.Timestamp = now
		w.clamped++
	}

	idx := sort.Search(len(w.readings), func(i int) bool {
		return w.readings[i].Timestamp.After(r.Timestamp)
	})
	w.readings = append(w.readings, models.Reading{})
	copy(w.readings[idx+1:], w.readings[idx:])
	w.readings[idx] = r

	horizon := w.readings[len(w.readings)-1].Timestamp
	if horizon.After(now) {
		horizon = now
	}
	w.readings = prune(w.readings, horizon.Add(-w.retention))
}

// SmoothedLoad evicts readings older than now-Retention and averages the
// rest, leaving out any reading stamped after now.
func (w *Window) SmoothedLoad(now time.Time) (Load, error) {
	w.mu.Lock()
	w.readings = prune(w.readings, now.Add(-w.retention))
	upto := sort.Search(len(w.readings), func(i int) bool {
		return w.readings[i].Timestamp.After(now.Add(MaxClockSkew))
	})
	snapshot := append([]models.Reading(nil), w.readings[:upto]...)
	w.mu.Unlock()

	if len(snapshot) < w.minSamples {
		return Load{Samples: len(snapshot)}, ErrInsufficientData
	}

	var load Load
	for _, r := range snapshot {
		load.Amps += r.Amps
		load.Watts += r.Watts
		if r.Amps > load.MaxAmps {
			load.MaxAmps = r.Amps
		}
	}
	n := float64(len(snapshot))
	load.Amps /= n
	load.Watts /= n
	load.Samples = len(snapshot)
	load.Newest = snapshot[len(snapshot)-1].Timestamp

	for i := len(snapshot) - 1; i >= 0; i-- {
		if snapshot[i].Volts > 0 {
			load.Volts = snapshot[i].Volts
			break
		}
	}

	return load, nil
}

// Newest returns the timestamp of the most recent retained reading.
func (w *Window) Newest() (time.Time, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.readings) == 0 {
		return time.Time{}, false
	}
	return w.readings[len(w.readings)-1].Timestamp, true
}

// Clamped counts readings whose future timestamp was replaced on arrival.
func (w *Window) Clamped() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.clamped
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.readings)
}

// prune drops readings strictly before from. arr must be sorted.
func prune(arr []models.Reading, from time.Time) []models.Reading {
	idx := sort.Search(len(arr), func(i int) bool {
		return !arr[i].Timestamp.Before(from)
	})
	if idx == 0 {
		return arr
	}
	// copy so the old backing array can be released
	return append([]models.Reading(nil), arr[idx:]...)
}
