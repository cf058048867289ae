// Package electrometer provides access to Keysight B2985B/B2987B
// electrometers in Go.  One Ammeter is one input channel of the bench;
// it measures instantaneous current or, in coulomb meter mode,
// charge accumulated on the integrating capacitor.
package electrometer

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pandora-obs/gopandora/comm"
	"github.com/pandora-obs/gopandora/scpi"
)

// Measurement functions understood by the instrument.
const (
	FuncCurrent = "CURR"
	FuncCharge  = "CHAR"
)

// OverflowSentinel is the value the instrument substitutes for a sample
// that exceeded the selected range.  Its presence in a fetched array is the
// authoritative overrange indicator.
const OverflowSentinel = 9.91e37

// CurrentRanges is the amp full-scale table, most sensitive first.
var CurrentRanges = []float64{
	2e-12, 2e-11, 2e-10, 2e-9, 2e-8, 2e-7, 2e-6, 2e-5, 2e-4, 2e-3, 2e-2,
}

// ChargeRanges is the coulomb full-scale table, most sensitive first.
// The integrating capacitor only has four bands.
var ChargeRanges = []float64{2e-9, 2e-8, 2e-7, 2e-6}

const (
	// powerline frequency assumed when deriving acquisition windows
	powerlineHz = 50

	defaultNPLC     = 1
	defaultInterval = 2 * time.Millisecond
)

// Ammeter is a remote interface to one electrometer.
type Ammeter struct {
	scpi.SCPI

	// interval and nplc mirror instrument state; the sample count for a
	// given acquisition time depends on them
	interval time.Duration
	nplc     float64
	function string
}

// NewAmmeter creates a new Ammeter speaking SCPI over TCP at addr.
func NewAmmeter(addr string) *Ammeter {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	pool := comm.NewPool(1, 30*time.Second, maker)
	return &Ammeter{
		SCPI:     scpi.SCPI{Pool: pool, Handshaking: true},
		interval: defaultInterval,
		nplc:     defaultNPLC,
		function: FuncCurrent,
	}
}

// Identification returns the *IDN? string from the instrument.
func (a *Ammeter) Identification() (string, error) {
	prev := a.Handshaking
	a.Handshaking = false
	defer func() { a.Handshaking = prev }()
	return a.ReadString("*IDN?")
}

// SetFunction selects the measurement function, FuncCurrent or FuncCharge.
func (a *Ammeter) SetFunction(fn string) error {
	if fn != FuncCurrent && fn != FuncCharge {
		return fmt.Errorf("electrometer: unknown function %q", fn)
	}
	err := a.Write(fmt.Sprintf(":SENSe:FUNCtion:ON \"%s\"", fn))
	if err == nil {
		a.function = fn
	}
	return err
}

// Function returns the measurement function currently selected.
func (a *Ammeter) Function() (string, error) {
	s, err := a.ReadString(":SENS:FUNC?")
	if err != nil {
		return "", err
	}
	for len(s) > 0 && (s[0] == '"' || s[len(s)-1] == '"') {
		if s[0] == '"' {
			s = s[1:]
		}
		if len(s) > 0 && s[len(s)-1] == '"' {
			s = s[:len(s)-1]
		}
	}
	a.function = s
	return s, nil
}

// SetRange sets a fixed measurement range with the given full-scale value,
// disabling the instrument's own autoranging.
func (a *Ammeter) SetRange(fullScale float64) error {
	err := a.Write(fmt.Sprintf(":SENS:%s:RANG:AUTO OFF", a.function))
	if err != nil {
		return err
	}
	return a.Write(fmt.Sprintf(":SENS:%s:RANG %s", a.function, fmtE(fullScale)))
}

// SetAutoRange hands range selection back to the instrument.
func (a *Ammeter) SetAutoRange() error {
	return a.Write(fmt.Sprintf(":SENS:%s:RANG:AUTO ON", a.function))
}

// GetRange returns the active full-scale value.
func (a *Ammeter) GetRange() (float64, error) {
	return a.ReadFloat(fmt.Sprintf(":SENS:%s:RANG?", a.function))
}

// SetNPLC sets the integration time per sample in power line cycles.
func (a *Ammeter) SetNPLC(nplc float64) error {
	err := a.Write(fmt.Sprintf(":SENS:%s:NPLC:AUTO OFF", a.function))
	if err != nil {
		return err
	}
	err = a.Write(fmt.Sprintf(":SENS:%s:NPLC %s", a.function, fmtE(nplc)))
	if err == nil {
		a.nplc = nplc
	}
	return err
}

// SetSampleInterval sets the trigger interval between samples.
func (a *Ammeter) SetSampleInterval(d time.Duration) error {
	err := a.Write(fmt.Sprintf(":TRIG:ACQ:TIM %s", fmtE(d.Seconds())))
	if err != nil {
		return err
	}
	err = a.Write(":TRIG:SOUR TIM")
	if err == nil {
		a.interval = d
	}
	return err
}

// SetTriggerDelay sets the delay between arming and the first sample.
func (a *Ammeter) SetTriggerDelay(d time.Duration) error {
	return a.Write(fmt.Sprintf(":TRIG:ACQ:DEL %s", fmtE(d.Seconds())))
}

// SetSampleCount sets how many samples one acquisition collects.
func (a *Ammeter) SetSampleCount(n int) error {
	return a.Write(fmt.Sprintf(":TRIG:ACQ:COUN %d", n))
}

// SetAcquisitionTime derives and programs the sample count so one
// acquisition spans roughly d.  Per-sample cost is nplc/powerline plus the
// trigger interval.
func (a *Ammeter) SetAcquisitionTime(d time.Duration) error {
	per := a.nplc/powerlineHz + a.interval.Seconds()
	n := int(d.Seconds()/per) + 1
	return a.SetSampleCount(n)
}

// InputOn enables the input.
func (a *Ammeter) InputOn() error { return a.Write(":INP ON") }

// InputOff disables the input.
func (a *Ammeter) InputOff() error { return a.Write(":INP OFF") }

// Trigger begins an acquisition.  It returns immediately; the instrument
// collects samples on its own clock.
func (a *Ammeter) Trigger() error {
	prev := a.Handshaking
	a.Handshaking = false
	defer func() { a.Handshaking = prev }()
	return a.Write(":INIT:ACQ")
}

// Discharge zeroes the charge-mode integrating capacitor.
func (a *Ammeter) Discharge() error {
	return a.Write(":SENS:CHAR:DISC")
}

// ReadBack waits for the in-flight acquisition to complete and fetches its
// sample array.  overflow reports whether the instrument flagged any sample
// as exceeding the selected range.
func (a *Ammeter) ReadBack() (samples []float64, overflow bool, err error) {
	prev := a.Handshaking
	a.Handshaking = false
	defer func() { a.Handshaking = prev }()
	opc, err := a.ReadString("*OPC?")
	if err != nil {
		return nil, false, err
	}
	if _, err := strconv.Atoi(opc); err != nil {
		return nil, false, fmt.Errorf("electrometer: bad *OPC? response %q", opc)
	}
	samples, err = a.ReadFloats(fmt.Sprintf(":FETC:ARR:%s?", a.function))
	if err != nil {
		return nil, false, err
	}
	for _, v := range samples {
		if math.Abs(v) >= OverflowSentinel {
			overflow = true
			break
		}
	}
	return samples, overflow, nil
}

// SampleTimes fetches the per-sample timestamps of the last acquisition,
// seconds relative to the trigger.
func (a *Ammeter) SampleTimes() ([]float64, error) {
	prev := a.Handshaking
	a.Handshaking = false
	defer func() { a.Handshaking = prev }()
	return a.ReadFloats(":FETC:ARR:TIME?")
}

func fmtE(v float64) string {
	return strconv.FormatFloat(v, 'E', -1, 64)
}
