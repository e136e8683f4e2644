package cost

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestWindowSumTracksRawEntries replays a random interleaving of spends and
// sweeps against a reference model: the rolling sum never drops on an add,
// and always equals the plain sum of the entries whose hour bucket survived
// every sweep taken so far.
func TestWindowSumTracksRawEntries(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		spanHours := rapid.IntRange(1, 72).Draw(r, "spanHours")
		span := time.Duration(spanHours) * time.Hour
		w := newWindow(span)

		type entry struct {
			hour int64
			usd  float64
		}
		var raw []entry
		floor := int64(0)
		now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)

		model := func() float64 {
			var sum float64
			for _, e := range raw {
				if e.hour >= floor {
					sum += e.usd
				}
			}
			return sum
		}

		steps := rapid.IntRange(1, 60).Draw(r, "steps")
		for i := 0; i < steps; i++ {
			now = now.Add(time.Duration(rapid.IntRange(0, 360).Draw(r, "advanceMin")) * time.Minute)

			if rapid.Bool().Draw(r, "sweep") {
				w.sweep(now)
				if f := now.UTC().Add(-span).Truncate(time.Hour).Unix(); f > floor {
					floor = f
				}
			} else {
				before := w.sum()
				cents := rapid.IntRange(1, 500_00).Draw(r, "cents")
				usd := float64(cents) / 100
				w.add(now, usd)
				raw = append(raw, entry{hour: now.UTC().Truncate(time.Hour).Unix(), usd: usd})
				if w.sum() < before {
					r.Fatalf("sum dropped on add: %f -> %f", before, w.sum())
				}
			}

			want := model()
			if got := w.sum(); got < want-1e-6 || got > want+1e-6 {
				r.Fatalf("step %d: window sum %f, raw entries say %f", i, got, want)
			}
			if w.empty() != (want == 0) {
				r.Fatalf("step %d: empty()=%v with modeled sum %f", i, w.empty(), want)
			}
		}
	})
}
