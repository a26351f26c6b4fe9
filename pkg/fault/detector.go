package fault

import (
	"sort"
	"sync"
	"time"
)

// Detector decides when per-unit connectivity failures amount to a systemic
// outage. It trips once Threshold distinct units report a connectivity error
// within Window. Once tripped it stays tripped for the rest of the run.
type Detector struct {
	threshold int
	window    time.Duration
	now       func() time.Time

	mu      sync.Mutex
	events  []event
	tripped *SystemicConnectivityError
}

type event struct {
	unit string
	at   time.Time
	err  error
}

// NewDetector returns a detector. A threshold below 1 disables it.
func NewDetector(threshold int, window time.Duration) *Detector {
	return &Detector{threshold: threshold, window: window, now: time.Now}
}

// Observe records the outcome of a unit attempt. Non-connectivity errors and
// nil are ignored.
func (d *Detector) Observe(unitID string, err error) {
	if d == nil || d.threshold < 1 || !IsConnectivity(err) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tripped != nil {
		return
	}

	now := d.now()
	d.events = append(d.events, event{unit: unitID, at: now, err: err})
	cutoff := now.Add(-d.window)
	kept := d.events[:0]
	for _, e := range d.events {
		if d.window <= 0 || !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	d.events = kept

	units := make(map[string]struct{})
	for _, e := range d.events {
		units[e.unit] = struct{}{}
	}
	if len(units) < d.threshold {
		return
	}
	names := make([]string, 0, len(units))
	for u := range units {
		names = append(names, u)
	}
	sort.Strings(names)
	d.tripped = &SystemicConnectivityError{Failures: len(d.events), Units: names, Last: err}
}

// Err returns the systemic error once the detector has tripped.
func (d *Detector) Err() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tripped == nil {
		return nil
	}
	return d.tripped
}
