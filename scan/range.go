package scan

import "math"

// autoScaleHeadroom is the fraction of full scale a probe reading must stay
// under for a range to be selected.  20% of headroom absorbs source drift
// between the probe and the real exposures.
const autoScaleHeadroom = 0.8

// RangeController owns the sensitivity-range selection for one channel in
// one measurement domain.  The table is ordered smallest full-scale first.
// A controller's counters live for one sweep; make a fresh one per sweep.
type RangeController struct {
	ch    Channel
	table []float64
	idx   int

	// OverflowCount tallies instrument overflows seen this wavelength.
	OverflowCount int
}

// NewRangeController returns a controller for ch over the given table.
func NewRangeController(ch Channel, table []float64) *RangeController {
	return &RangeController{ch: ch, table: table}
}

// AutoScale selects the most sensitive range whose full scale exceeds the
// probe reading with headroom.  If the probe beats the largest range, the
// largest is selected anyway and ErrOverRange returned so the caller can
// flag the point without stalling the sweep.
func (rc *RangeController) AutoScale(probe float64) error {
	m := math.Abs(probe)
	for i, r := range rc.table {
		if m < autoScaleHeadroom*r {
			rc.idx = i
			return rc.ch.SetRange(r)
		}
	}
	rc.idx = len(rc.table) - 1
	if err := rc.ch.SetRange(rc.table[rc.idx]); err != nil {
		return err
	}
	return ErrOverRange
}

// Bump steps the channel to the next less sensitive range after an
// overflow.  ErrRangeExhausted means there is nowhere left to go.
func (rc *RangeController) Bump() error {
	rc.OverflowCount++
	if rc.idx >= len(rc.table)-1 {
		return ErrRangeExhausted
	}
	rc.idx++
	return rc.ch.SetRange(rc.table[rc.idx])
}

// SetNearest selects the table entry closest to fullScale, for sweeps with
// an operator-fixed range.
func (rc *RangeController) SetNearest(fullScale float64) error {
	best, bestDiff := 0, math.Inf(1)
	for i, r := range rc.table {
		d := math.Abs(math.Log10(r) - math.Log10(fullScale))
		if d < bestDiff {
			best, bestDiff = i, d
		}
	}
	rc.idx = best
	return rc.ch.SetRange(rc.table[rc.idx])
}

// Reset clears the per-wavelength counters, re-enabling a fresh auto-scale
// at the next wavelength.
func (rc *RangeController) Reset() {
	rc.OverflowCount = 0
}

// Range returns the currently selected full-scale value.
func (rc *RangeController) Range() float64 {
	return rc.table[rc.idx]
}
