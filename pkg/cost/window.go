package cost

import "time"

// window keeps a rolling spend sum in hour buckets. Adds and reads are
// O(1); expiry happens on sweep with hour granularity, which is far finer
// than the 24 h and 30 d spans it serves.
type window struct {
	span    time.Duration
	buckets map[int64]float64
	total   float64
}

func newWindow(span time.Duration) *window {
	return &window{span: span, buckets: make(map[int64]float64)}
}

func (w *window) add(at time.Time, usd float64) {
	w.buckets[at.UTC().Truncate(time.Hour).Unix()] += usd
	w.total += usd
}

// sweep drops buckets that have left the window.
func (w *window) sweep(now time.Time) {
	floor := now.UTC().Add(-w.span).Truncate(time.Hour).Unix()
	for h, usd := range w.buckets {
		if h < floor {
			delete(w.buckets, h)
			w.total -= usd
		}
	}
	if len(w.buckets) == 0 {
		// Forgive accumulated float drift while the window is empty.
		w.total = 0
	}
}

func (w *window) sum() float64 { return w.total }

func (w *window) empty() bool { return len(w.buckets) == 0 }
