package scan

import (
	"fmt"
	"math"
	"time"
)

// wavelength grid points are rounded to the monochromator's addressable
// resolution, one Angstrom
const wavePrecision = 0.1

// Instrument-supported wavelength span in nm.
const (
	MinWavelength = 200
	MaxWavelength = 1100
)

// ScanRequest describes one sweep.  It is immutable once Run starts.
type ScanRequest struct {
	// WaveStart and WaveEnd bound the grid in nm, inclusive.
	WaveStart float64
	WaveEnd   float64
	// WaveStep is the grid pitch in nm, > 0.
	WaveStep float64

	// ExposureTime is the light exposure duration.
	ExposureTime time.Duration
	// DarkTime is the dark exposure duration; zero means ExposureTime.
	DarkTime time.Duration

	// Repeats is how many dark/light/dark triplets each wavelength gets.
	Repeats int

	Mode Mode

	// DischargeBeforeAcquire, in charge mode, zeroes the integrating
	// capacitor before every acquisition.  Leave false to deliberately
	// accumulate charge across exposures.
	DischargeBeforeAcquire bool

	// ChargeRange fixes the coulomb range for charge-mode sweeps.  Zero
	// selects a range with a single probe at sweep start.
	ChargeRange float64

	// NDFilter optionally names the neutral density filter in the path;
	// recorded, not actuated.
	NDFilter string

	// Description tags every record of the sweep.
	Description string
}

// withDefaults fills the derivable fields.
func (r ScanRequest) withDefaults() ScanRequest {
	if r.DarkTime <= 0 {
		r.DarkTime = r.ExposureTime
	}
	return r
}

// Validate rejects requests before any hardware action.
func (r ScanRequest) Validate() error {
	if r.WaveStart > r.WaveEnd {
		return fmt.Errorf("%w: wave start %g > end %g", ErrInvalidRequest, r.WaveStart, r.WaveEnd)
	}
	if r.WaveStart < MinWavelength || r.WaveEnd > MaxWavelength {
		return fmt.Errorf("%w: wavelengths must lie within [%d, %d] nm", ErrInvalidRequest, MinWavelength, MaxWavelength)
	}
	if r.WaveStep <= 0 {
		return fmt.Errorf("%w: wave step must be > 0", ErrInvalidRequest)
	}
	if r.ExposureTime <= 0 {
		return fmt.Errorf("%w: exposure time must be > 0", ErrInvalidRequest)
	}
	if r.DarkTime < 0 {
		return fmt.Errorf("%w: dark time must be > 0", ErrInvalidRequest)
	}
	if r.Repeats < 1 {
		return fmt.Errorf("%w: repeats must be >= 1", ErrInvalidRequest)
	}
	if r.Mode != ModeCurrent && r.Mode != ModeCharge {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidRequest, r.Mode)
	}
	return nil
}

// Grid returns the wavelength points of the sweep: start, start+step, ...
// up to and including the last point <= end, each rounded to the
// addressable precision.
func (r ScanRequest) Grid() []float64 {
	const eps = 1e-9
	n := int((r.WaveEnd-r.WaveStart)/r.WaveStep+eps) + 1
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, roundTo(r.WaveStart+float64(i)*r.WaveStep, wavePrecision))
	}
	return out
}

// roundTo rounds x to the nearest unit (0.1 for tenths, and so on).
func roundTo(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}
