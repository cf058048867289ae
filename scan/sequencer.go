package scan

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// ChannelStats is the reduced readback of one channel for one exposure.
type ChannelStats struct {
	Samples  []float64
	Mean     float64
	Stdev    float64
	Overflow bool
}

// Outcome is the result of one synchronized exposure across both channels.
// It is consumed immediately by the caller and not retained.
type Outcome struct {
	One ChannelStats
	Two ChannelStats

	// Overflowed is set when either channel overflowed; the samples must
	// not be persisted.
	Overflowed bool

	// Elapsed is the measured wall span from first trigger to shutter
	// close (or end of the timed wait for darks).  This, not the nominal
	// duration, is what calibration downstream needs.
	Elapsed time.Duration
}

// Sequencer drives one dark-or-light exposure across both channels with a
// shared exposure window: both channels are triggered before either is read
// back, so their accumulation windows overlap to within one
// device round trip.
type Sequencer struct {
	Shutter Shutter
	One     Channel
	Two     Channel

	// sleep is swappable so tests do not wait out real exposures.
	sleep func(time.Duration)
}

// NewSequencer wires a sequencer over the shutter and channel pair.
func NewSequencer(sh Shutter, one, two Channel) *Sequencer {
	return &Sequencer{Shutter: sh, One: one, Two: two, sleep: time.Sleep}
}

// Expose runs one exposure of the given duration.  The shutter is opened
// iff light, and closed again as soon as the window ends.  The exposure
// window itself is never interrupted; cancellation is the caller's business
// between exposures.
func (q *Sequencer) Expose(d time.Duration, light bool) (Outcome, error) {
	var out Outcome
	if err := q.One.SetAcquisitionTime(d); err != nil {
		return out, err
	}
	if err := q.Two.SetAcquisitionTime(d); err != nil {
		return out, err
	}
	// darks force the shutter closed rather than trusting prior state
	if err := q.Shutter.SetOpen(light); err != nil {
		return out, err
	}
	err := q.One.Trigger()
	start := time.Now()
	if err == nil {
		err = q.Two.Trigger()
	}
	if err != nil {
		if light {
			q.Shutter.SetOpen(false)
		}
		return out, err
	}
	q.sleep(d)
	if light {
		if cerr := q.Shutter.SetOpen(false); cerr != nil {
			// drain both acquisitions so neither device is left
			// armed, then surface the close failure
			readStats(q.One)
			readStats(q.Two)
			return out, cerr
		}
	}
	out.Elapsed = time.Since(start)

	out.One, err = readStats(q.One)
	if err != nil {
		return out, err
	}
	out.Two, err = readStats(q.Two)
	if err != nil {
		return out, err
	}
	out.Overflowed = out.One.Overflow || out.Two.Overflow
	return out, nil
}

func readStats(ch Channel) (ChannelStats, error) {
	var cs ChannelStats
	samples, overflow, err := ch.ReadBack()
	if err != nil {
		return cs, err
	}
	cs.Samples = samples
	cs.Overflow = overflow
	if len(samples) > 0 {
		cs.Mean = stat.Mean(samples, nil)
	}
	if len(samples) > 1 {
		cs.Stdev = stat.StdDev(samples, nil)
	}
	return cs, nil
}
