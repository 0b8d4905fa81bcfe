// Package rollup holds the pure accumulation math behind per-plant
// daily aggregates. No I/O; callers persist the results.
package rollup

// Stat is a running (min, max, avg, count) aggregate over one sensor
// field. A nil Min (count 0) means no readings have been folded yet.
// Values are kept unrounded; rounding, if any, happens on the read side.
type Stat struct {
	Min   *float64
	Max   *float64
	Avg   *float64
	Count int
}

// Fold returns the aggregate with one more observation applied.
func (s Stat) Fold(v float64) Stat {
	if s.Count == 0 || s.Min == nil {
		return Stat{Min: f(v), Max: f(v), Avg: f(v), Count: 1}
	}
	mn, mx := *s.Min, *s.Max
	if v < mn {
		mn = v
	}
	if v > mx {
		mx = v
	}
	avg := (*s.Avg*float64(s.Count) + v) / float64(s.Count+1)
	return Stat{Min: f(mn), Max: f(mx), Avg: f(avg), Count: s.Count + 1}
}

// FoldPtr skips absent readings without altering the count.
func (s Stat) FoldPtr(v *float64) Stat {
	if v == nil {
		return s
	}
	return s.Fold(*v)
}

// FoldParts merges a pre-aggregated chunk (its own min/max/avg) into
// the running aggregate. Devices that split one day's report across
// several POSTs send each chunk's extrema and mean; min/max take the
// global extreme and the chunk mean counts as one observation toward
// the running average. Each part is optional.
func (s Stat) FoldParts(mn, mx, av *float64) Stat {
	out := s
	if mn != nil {
		if out.Min == nil || *mn < *out.Min {
			out.Min = f(*mn)
		}
	}
	if mx != nil {
		if out.Max == nil || *mx > *out.Max {
			out.Max = f(*mx)
		}
	}
	if av != nil {
		if out.Avg == nil || out.Count == 0 {
			out.Avg = f(*av)
			out.Count = 1
		} else {
			avg := (*out.Avg*float64(out.Count) + *av) / float64(out.Count+1)
			out.Avg = f(avg)
			out.Count++
		}
		// A chunk that carries only an average still seeds min/max so
		// the row never ends up with avg set but extrema NULL.
		if out.Min == nil {
			out.Min = f(*av)
		}
		if out.Max == nil {
			out.Max = f(*av)
		}
	}
	return out
}

// DoseTotals — running dosing sums for one plant-day. Totals add
// across chunks; they never overwrite.
type DoseTotals struct {
	PhUpMl   float64
	PhDownMl float64
	Events   int
}

// Add folds one dosing event. Types other than ph_up/ph_down (nutrient
// pumps etc.) count as events without contributing to the pH totals.
func (d DoseTotals) Add(dosingType string, amountMl float64) DoseTotals {
	switch dosingType {
	case "ph_up":
		d.PhUpMl += amountMl
	case "ph_down":
		d.PhDownMl += amountMl
	}
	d.Events++
	return d
}

// LightTotals — running light-cycle stats for one plant-day.
// Longest/Shortest are global extrema across every chunk, not
// per-chunk.
type LightTotals struct {
	TotalSeconds int
	Cycles       int
	Longest      *int
	Shortest     *int
}

// Add folds one completed lights-ON period.
func (l LightTotals) Add(durationSeconds int) LightTotals {
	l.TotalSeconds += durationSeconds
	l.Cycles++
	if l.Longest == nil || durationSeconds > *l.Longest {
		l.Longest = ip(durationSeconds)
	}
	if l.Shortest == nil || durationSeconds < *l.Shortest {
		l.Shortest = ip(durationSeconds)
	}
	return l
}

func f(v float64) *float64 { return &v }
func ip(v int) *int        { return &v }
