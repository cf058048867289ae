/*Package scan implements the wavelength sweep engine of the bench.

A sweep walks a wavelength grid; at each point it takes repeated
dark/light/dark exposure triplets on two electrometer channels at once,
auto-ranging the channels and retrying light exposures that overflow the
selected range.  Every exposure that completes without overflow becomes
exactly one record in the run database; overflowed exposures are discarded
and never persisted.

The engine owns no hardware of its own.  It drives the instruments through
the narrow interfaces below, which the electrometer, monochromator and
labjack packages satisfy; tests substitute in-memory fakes.
*/
package scan

import "time"

// measurement function names on the instrument wire
const (
	funcCurrent = "CURR"
	funcCharge  = "CHAR"
)

// Mode selects the acquisition semantics of a sweep.
type Mode int

const (
	// ModeCurrent samples instantaneous photocurrent.
	ModeCurrent Mode = iota
	// ModeCharge integrates charge on the electrometer's capacitor.
	ModeCharge
)

func (m Mode) String() string {
	if m == ModeCharge {
		return "CHARGE"
	}
	return "CURRENT"
}

// Function returns the instrument function name for the mode.
func (m Mode) Function() string {
	if m == ModeCharge {
		return funcCharge
	}
	return funcCurrent
}

// Channel is one electrometer channel as the sweep engine sees it.
type Channel interface {
	// SetFunction selects the measurement function, "CURR" or "CHAR".
	SetFunction(fn string) error

	// Function reports the currently selected measurement function.
	Function() (string, error)

	// SetRange selects a fixed range by its full-scale value.
	SetRange(fullScale float64) error

	// SetAcquisitionTime sizes the next acquisition to span d.
	SetAcquisitionTime(d time.Duration) error

	// Trigger starts an acquisition and returns without waiting for it.
	Trigger() error

	// ReadBack blocks until the acquisition completes and returns its
	// samples.  overflow is the instrument's own overrange indication.
	ReadBack() (samples []float64, overflow bool, err error)

	// Discharge zeroes the charge-mode integrating element.
	Discharge() error
}

// Shutter gates the light path.
type Shutter interface {
	SetOpen(bool) error
}

// WavelengthMover positions the monochromator grating.
type WavelengthMover interface {
	MoveTo(nm float64) error
	CurrentPosition() (float64, error)
}

// Recorder persists completed exposures.  Append takes ownership of the
// record; the engine holds no reference after emission.
type Recorder interface {
	Append(Record) error
}

// AuxState is the bench state stamped onto each record.
type AuxState struct {
	FM1      string
	FM2      string
	NDFilter string
}

// AuxReporter supplies AuxState; typically the bench itself.
type AuxReporter interface {
	AuxState() AuxState
}
