package scan

import "time"

// Measurement is one channel's reduced statistics for a persisted exposure.
type Measurement struct {
	Mean    float64
	Stdev   float64
	Samples int
}

// Record is one persisted exposure.  EffectiveExptime is the measured
// trigger-to-close wall span in seconds; Exptime is the nominal request.
type Record struct {
	Timestamp        time.Time
	Wavelength       float64
	Exptime          float64
	EffectiveExptime float64
	Mode             Mode
	Light            bool
	Input            Measurement
	Output           Measurement

	// InputSamples and OutputSamples carry the raw readbacks for
	// recorders that persist lightcurves; summary stores keep only the
	// statistics above.
	InputSamples  []float64
	OutputSamples []float64
	FM1              string
	FM2              string
	NDFilter         string
	Description      string
}
