package broadcast

import "time"

// Recent returns the retained batch summaries, newest first.
func (d *Dispatcher) Recent() []BatchSummary {
	d.pruneHistory(d.now())
	d.historyMu.RLock()
	defer d.historyMu.RUnlock()
	out := make([]BatchSummary, 0, len(d.history))
	for i := len(d.history) - 1; i >= 0; i-- {
		s := d.history[i]
		s.Failures = append([]DeliveryResult(nil), s.Failures...)
		out = append(out, s)
	}
	return out
}

func (d *Dispatcher) remember(s BatchSummary) {
	// Keep the failure list bounded for huge batches.
	if len(s.Failures) > 200 {
		s.Failures = s.Failures[:200]
	}
	d.historyMu.Lock()
	d.history = append(d.history, s)
	d.historyMu.Unlock()
	d.pruneHistory(d.now())
}

func (d *Dispatcher) pruneHistory(now time.Time) {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	if d.historyTTL > 0 {
		cut := 0
		for cut < len(d.history) && now.Sub(d.history[cut].StartedAt) > d.historyTTL {
			cut++
		}
		d.history = d.history[cut:]
	}
	if d.historyMax > 0 && len(d.history) > d.historyMax {
		d.history = append([]BatchSummary(nil), d.history[len(d.history)-d.historyMax:]...)
	}
}
