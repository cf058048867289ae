// Package bench assembles the optical calibration bench: the grating
// monochromator, the DIO-driven shutter and flip mounts, and the pair of
// picoammeters watching the input and output of the optic under test.
package bench

// MonoSetup holds the serial parameters of the monochromator.
type MonoSetup struct {
	// Port is the serial device, e.g. /dev/ttyUSB0 or COM3.
	Port string `yaml:"Port"`
	Baud int    `yaml:"Baud"`
}

// LabJackSetup holds the DIO unit address and the line assignments.
type LabJackSetup struct {
	// Addr is the Modbus TCP endpoint, e.g. 192.168.100.40:502.
	Addr string `yaml:"Addr"`

	// ShutterLine drives the beam shutter, e.g. FIO0.
	ShutterLine string `yaml:"ShutterLine"`

	// FM1Line and FM2Line drive the fold-mirror flip mounts.
	FM1Line string `yaml:"FM1Line"`
	FM2Line string `yaml:"FM2Line"`
}

// MeterSetup holds one electrometer's network address.
type MeterSetup struct {
	// Addr is the SCPI-over-TCP endpoint, e.g. 192.168.100.41:5025.
	Addr string `yaml:"Addr"`
}

// Config holds the initialization parameters of the whole bench.  It is
// populated from a yaml file.
type Config struct {
	// Addr is the address the HTTP server listens at.
	Addr string `yaml:"Addr"`

	// DataRoot is where runs (databases, lightcurves) are written.
	DataRoot string `yaml:"DataRoot"`

	// Lightcurves enables per-exposure FITS dumps.
	Lightcurves bool `yaml:"Lightcurves"`

	// Mock swaps every device for an in-memory simulator.
	Mock bool `yaml:"Mock"`

	// NPLC is the electrometer integration time in power line cycles.
	NPLC float64 `yaml:"NPLC"`

	// SampleIntervalMS is the electrometer sample pitch in milliseconds.
	SampleIntervalMS float64 `yaml:"SampleIntervalMS"`

	Monochromator MonoSetup    `yaml:"Monochromator"`
	LabJack       LabJackSetup `yaml:"LabJack"`
	InputMeter    MeterSetup   `yaml:"InputMeter"`
	OutputMeter   MeterSetup   `yaml:"OutputMeter"`
}

// DefaultConfig returns a config with everything but the device addresses
// filled in.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		DataRoot:         ".",
		NPLC:             1,
		SampleIntervalMS: 2,
		Monochromator:    MonoSetup{Port: "/dev/ttyUSB0", Baud: 9600},
		LabJack: LabJackSetup{
			ShutterLine: "FIO0",
			FM1Line:     "FIO2",
			FM2Line:     "FIO3",
		},
	}
}
