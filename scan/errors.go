package scan

import "errors"

var (
	// ErrInvalidRequest is returned when a ScanRequest fails validation.
	// No hardware is touched.
	ErrInvalidRequest = errors.New("invalid scan request")

	// ErrOverRange reports a probe reading beyond the largest range in the
	// table.  The largest range stays selected so the sweep can proceed
	// with the point flagged.
	ErrOverRange = errors.New("probe reading exceeds largest range")

	// ErrRangeExhausted reports an overflow that could not be resolved:
	// the channel is already on its least sensitive range, or the retry
	// ceiling was hit.  The affected wavelength is skipped.
	ErrRangeExhausted = errors.New("measurement range exhausted")
)
