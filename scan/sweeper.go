package scan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultProbeTime  = 100 * time.Millisecond
)

// Progress is a per-wavelength callback for UIs.  done counts wavelengths
// with all repeats finished, total is the grid size.
type Progress func(done, total int, wavelength float64)

// SweepResult summarizes a finished (or aborted) sweep.
type SweepResult struct {
	WavelengthsCompleted int
	RecordsEmitted       int
	AbortedEarly         bool

	// LastErr holds the most recent per-wavelength failure that was
	// skipped over, for operator forensics.  It never includes the fatal
	// error, which Run returns directly.
	LastErr error
}

// Sweeper runs wavelength sweeps over a monochromator, a shutter and a pair
// of electrometer channels.  Each wavelength gets dark/light/dark exposure
// triplets per repeat; light exposures that overflow are retried on the next
// coarser range up to a ceiling, and a wavelength whose ranges are exhausted
// is skipped without aborting the sweep.
type Sweeper struct {
	Mono    WavelengthMover
	Shutter Shutter
	One     Channel
	Two     Channel

	// Range tables per channel, in the measurement function's units.
	OneRanges []float64
	TwoRanges []float64

	// ChargeRanges is the fixed-range table used when Mode is charge.
	ChargeRanges []float64

	Rec Recorder
	Aux AuxReporter

	Logf     func(format string, v ...interface{})
	Progress Progress

	// MaxRetries bounds the bump-and-retry loop per light exposure.  Zero
	// means the default of 3.
	MaxRetries int

	// ProbeTime is the short exposure used for auto ranging.  Zero means
	// the default of 100ms.
	ProbeTime time.Duration
}

func (s *Sweeper) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
		return
	}
	log.Printf(format, v...)
}

func (s *Sweeper) maxRetries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return defaultMaxRetries
}

func (s *Sweeper) probeTime() time.Duration {
	if s.ProbeTime > 0 {
		return s.ProbeTime
	}
	return defaultProbeTime
}

// Run executes the sweep described by req.  Cancellation via ctx is honored
// between move/exposure phases; an in-flight exposure always completes but
// its data is discarded.  A canceled sweep returns AbortedEarly with a nil
// error; device and recorder failures are fatal and returned.
func (s *Sweeper) Run(ctx context.Context, req ScanRequest) (SweepResult, error) {
	var res SweepResult
	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return res, err
	}
	grid := req.Grid()

	one, two := s.One, s.Two
	rcOne := NewRangeController(one, s.OneRanges)
	rcTwo := NewRangeController(two, s.TwoRanges)

	if req.Mode == ModeCharge {
		one = NewChargeChannel(one, req.DischargeBeforeAcquire)
		two = NewChargeChannel(two, req.DischargeBeforeAcquire)
		rcOne = NewRangeController(one, s.ChargeRanges)
		rcTwo = NewRangeController(two, s.ChargeRanges)
	}
	seq := NewSequencer(s.Shutter, one, two)

	run := func() error {
		if req.Mode == ModeCharge {
			if err := s.fixChargeRanges(rcOne, rcTwo, seq, req); err != nil {
				return err
			}
		}
		for i, wl := range grid {
			if ctx.Err() != nil {
				res.AbortedEarly = true
				return nil
			}
			if err := s.Mono.MoveTo(wl); err != nil {
				return fmt.Errorf("move to %.1f nm: %w", wl, err)
			}
			if req.Mode == ModeCurrent {
				rcOne.Reset()
				rcTwo.Reset()
				if err := s.autoRange(rcOne, rcTwo, seq); err != nil {
					return err
				}
			}
			ok, err := s.runWavelength(ctx, &res, seq, rcOne, rcTwo, req, wl)
			if err != nil {
				return err
			}
			if res.AbortedEarly {
				return nil
			}
			if ok {
				res.WavelengthsCompleted++
			}
			if s.Progress != nil {
				s.Progress(i+1, len(grid), wl)
			}
		}
		return nil
	}

	err := withBoth(s.One, s.Two, req.Mode.Function(), run)
	return res, err
}

// withBoth switches both channels to function, runs fn, and restores both
// channels' prior functions.
func withBoth(one, two Channel, function string, fn func() error) error {
	return WithFunction(one, function, func() error {
		return WithFunction(two, function, fn)
	})
}

// runWavelength executes all repeats for one wavelength.  It returns true
// when every repeat finished; a range-exhausted wavelength returns false
// with the failure noted in res.LastErr.
func (s *Sweeper) runWavelength(ctx context.Context, res *SweepResult, seq *Sequencer, rcOne, rcTwo *RangeController, req ScanRequest, wl float64) (bool, error) {
	for rep := 0; rep < req.Repeats; rep++ {
		if ctx.Err() != nil {
			res.AbortedEarly = true
			return false, nil
		}
		// dark before
		if err := s.exposeAndRecord(ctx, res, seq, req, wl, false); err != nil {
			return false, err
		}
		if res.AbortedEarly {
			return false, nil
		}
		// light, with bump-on-overflow retry
		skipped, err := s.lightWithRetry(ctx, res, seq, rcOne, rcTwo, req, wl)
		if err != nil {
			return false, err
		}
		if res.AbortedEarly {
			return false, nil
		}
		if skipped {
			return false, nil
		}
		// dark after
		if err := s.exposeAndRecord(ctx, res, seq, req, wl, false); err != nil {
			return false, err
		}
		if res.AbortedEarly {
			return false, nil
		}
	}
	return true, nil
}

// lightWithRetry runs the light exposure, bumping whichever channel
// overflowed and retrying up to the ceiling.  When a channel's table is
// exhausted it reports skipped=true and the sweep moves on.
func (s *Sweeper) lightWithRetry(ctx context.Context, res *SweepResult, seq *Sequencer, rcOne, rcTwo *RangeController, req ScanRequest, wl float64) (bool, error) {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			res.AbortedEarly = true
			return false, nil
		}
		out, err := seq.Expose(req.ExposureTime, true)
		if err != nil {
			return false, err
		}
		if ctx.Err() != nil {
			// completed in flight; discard rather than persist a
			// partial triplet
			res.AbortedEarly = true
			return false, nil
		}
		if !out.Overflowed {
			if err := s.record(res, req, wl, true, out); err != nil {
				return false, err
			}
			return false, nil
		}
		if attempt >= s.maxRetries() {
			s.logf("scan: %.1f nm still over range after %d retries, skipping", wl, attempt)
			res.LastErr = fmt.Errorf("%.1f nm: %w", wl, ErrRangeExhausted)
			return true, nil
		}
		if out.One.Overflow {
			if err := rcOne.Bump(); err != nil {
				if errors.Is(err, ErrRangeExhausted) {
					s.logf("scan: %.1f nm exhausted channel one ranges, skipping", wl)
					res.LastErr = fmt.Errorf("%.1f nm: %w", wl, err)
					return true, nil
				}
				return false, err
			}
		}
		if out.Two.Overflow {
			if err := rcTwo.Bump(); err != nil {
				if errors.Is(err, ErrRangeExhausted) {
					s.logf("scan: %.1f nm exhausted channel two ranges, skipping", wl)
					res.LastErr = fmt.Errorf("%.1f nm: %w", wl, err)
					return true, nil
				}
				return false, err
			}
		}
		s.logf("scan: %.1f nm over range, retrying (attempt %d)", wl, attempt+1)
	}
}

// exposeAndRecord runs one dark exposure and persists it unless it
// overflowed.  Darks are never retried; an overflowed dark is discarded.
func (s *Sweeper) exposeAndRecord(ctx context.Context, res *SweepResult, seq *Sequencer, req ScanRequest, wl float64, light bool) error {
	d := req.ExposureTime
	if !light {
		d = req.DarkTime
	}
	out, err := seq.Expose(d, light)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		res.AbortedEarly = true
		return nil
	}
	if out.Overflowed {
		s.logf("scan: %.1f nm dark over range, discarding", wl)
		return nil
	}
	return s.record(res, req, wl, light, out)
}

func (s *Sweeper) record(res *SweepResult, req ScanRequest, wl float64, light bool, out Outcome) error {
	nominal := req.ExposureTime
	if !light {
		nominal = req.DarkTime
	}
	rec := Record{
		Timestamp:        time.Now(),
		Wavelength:       wl,
		Exptime:          nominal.Seconds(),
		EffectiveExptime: out.Elapsed.Seconds(),
		Mode:             req.Mode,
		Light:            light,
		Input: Measurement{
			Mean:    out.One.Mean,
			Stdev:   out.One.Stdev,
			Samples: len(out.One.Samples),
		},
		Output: Measurement{
			Mean:    out.Two.Mean,
			Stdev:   out.Two.Stdev,
			Samples: len(out.Two.Samples),
		},
		InputSamples:  out.One.Samples,
		OutputSamples: out.Two.Samples,
		NDFilter:      req.NDFilter,
		Description:   req.Description,
	}
	if s.Aux != nil {
		aux := s.Aux.AuxState()
		rec.FM1 = aux.FM1
		rec.FM2 = aux.FM2
		if rec.NDFilter == "" {
			rec.NDFilter = aux.NDFilter
		}
	}
	if err := s.Rec.Append(rec); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	res.RecordsEmitted++
	return nil
}

// autoRange probes both channels with a short light exposure and picks the
// smallest range holding the probe below 80%% of full scale.  A probe that
// saturates even the coarsest range leaves that range selected; the
// per-exposure retry loop then has the final say.
func (s *Sweeper) autoRange(rcOne, rcTwo *RangeController, seq *Sequencer) error {
	out, err := seq.Expose(s.probeTime(), true)
	if err != nil {
		return err
	}
	if err := scaleTo(rcOne, out.One); err != nil {
		return err
	}
	return scaleTo(rcTwo, out.Two)
}

// fixChargeRanges pins both channels to a single fixed range for the whole
// sweep, either the requested one or one chosen from a single probe at the
// start.  Charge ranging never changes mid-sweep; accumulation makes a
// range change mid-exposure meaningless.
func (s *Sweeper) fixChargeRanges(rcOne, rcTwo *RangeController, seq *Sequencer, req ScanRequest) error {
	if req.ChargeRange > 0 {
		if err := rcOne.SetNearest(req.ChargeRange); err != nil {
			return err
		}
		return rcTwo.SetNearest(req.ChargeRange)
	}
	out, err := seq.Expose(s.probeTime(), true)
	if err != nil {
		return err
	}
	if err := scaleTo(rcOne, out.One); err != nil {
		return err
	}
	return scaleTo(rcTwo, out.Two)
}

func scaleTo(rc *RangeController, cs ChannelStats) error {
	probe := cs.Mean
	if cs.Overflow {
		probe = cs.peak()
	}
	if err := rc.AutoScale(probe); err != nil && !errors.Is(err, ErrOverRange) {
		return err
	}
	return nil
}

func (cs ChannelStats) peak() float64 {
	var p float64
	for _, v := range cs.Samples {
		if v > p {
			p = v
		} else if -v > p {
			p = -v
		}
	}
	return p
}
