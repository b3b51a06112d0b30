package detector

import "time"

// window is a pruned timestamp log. Fine at detector horizons: entries are
// bounded by the thresholds being detected, not by request volume per second.
type window struct {
	stamps []time.Time
	span   time.Duration
}

func (w *window) add(t time.Time) {
	w.prune(t)
	w.stamps = append(w.stamps, t)
}

func (w *window) count(now time.Time) int {
	w.prune(now)
	return len(w.stamps)
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]
}
