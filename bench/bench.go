package bench

import (
	"fmt"
	"time"

	"github.com/pandora-obs/gopandora/electrometer"
	"github.com/pandora-obs/gopandora/labjack"
	"github.com/pandora-obs/gopandora/monochromator"
	"github.com/pandora-obs/gopandora/scan"
)

// Monochromator is the wavelength-selection element of the bench.
type Monochromator interface {
	MoveTo(nm float64) error
	CurrentPosition() (float64, error)
	Home() error
	Close() error
}

// Shutter is the beam shutter.
type Shutter interface {
	SetOpen(bool) error
	IsOpen() (bool, error)
}

// FlipMount is a fold-mirror actuator with a reportable state.
type FlipMount interface {
	Activate() error
	Deactivate() error
	State() string
}

// Electrometer is one measurement channel with input relay control on top
// of the scan surface.
type Electrometer interface {
	scan.Channel
	InputOn() error
	InputOff() error
}

// Bench is the assembled instrument suite.
type Bench struct {
	Mono    Monochromator
	Shutter Shutter
	FM1     FlipMount
	FM2     FlipMount
	Input   Electrometer
	Output  Electrometer

	cfg Config
}

// New assembles a bench from the config, connecting to real hardware or, if
// cfg.Mock, to in-memory simulators.
func New(cfg Config) (*Bench, error) {
	if cfg.Mock {
		return NewSim(cfg), nil
	}
	mono, err := monochromator.New(cfg.Monochromator.Port, cfg.Monochromator.Baud)
	if err != nil {
		return nil, fmt.Errorf("monochromator at %s: %w", cfg.Monochromator.Port, err)
	}
	dio := labjack.NewDIO(cfg.LabJack.Addr)
	b := &Bench{
		Mono:    mono,
		Shutter: labjack.NewShutter(dio, cfg.LabJack.ShutterLine),
		FM1:     labjack.NewFlipMount(dio, cfg.LabJack.FM1Line),
		FM2:     labjack.NewFlipMount(dio, cfg.LabJack.FM2Line),
		cfg:     cfg,
	}
	in, err := setupMeter(cfg, cfg.InputMeter.Addr)
	if err != nil {
		mono.Close()
		return nil, fmt.Errorf("input meter: %w", err)
	}
	out, err := setupMeter(cfg, cfg.OutputMeter.Addr)
	if err != nil {
		mono.Close()
		return nil, fmt.Errorf("output meter: %w", err)
	}
	b.Input, b.Output = in, out
	return b, nil
}

func setupMeter(cfg Config, addr string) (*electrometer.Ammeter, error) {
	a := electrometer.NewAmmeter(addr)
	if _, err := a.Identification(); err != nil {
		return nil, err
	}
	if err := a.SetNPLC(cfg.NPLC); err != nil {
		return nil, err
	}
	interval := time.Duration(cfg.SampleIntervalMS * float64(time.Millisecond))
	if err := a.SetSampleInterval(interval); err != nil {
		return nil, err
	}
	if err := a.SetFunction(electrometer.FuncCurrent); err != nil {
		return nil, err
	}
	if err := a.InputOn(); err != nil {
		return nil, err
	}
	return a, nil
}

// Sweeper returns a sweep engine over the bench's devices, recording to rec.
func (b *Bench) Sweeper(rec scan.Recorder) *scan.Sweeper {
	return &scan.Sweeper{
		Mono:         b.Mono,
		Shutter:      b.Shutter,
		One:          b.Input,
		Two:          b.Output,
		OneRanges:    electrometer.CurrentRanges,
		TwoRanges:    electrometer.CurrentRanges,
		ChargeRanges: electrometer.ChargeRanges,
		Rec:          rec,
		Aux:          b,
	}
}

// AuxState reports the recordable auxiliary state of the bench.
func (b *Bench) AuxState() scan.AuxState {
	return scan.AuxState{FM1: b.FM1.State(), FM2: b.FM2.State()}
}

// GoHome brings the bench to its reference state: shutter closed, flip
// mounts out of the beam, meter inputs live, grating at home.
func (b *Bench) GoHome() error {
	if err := b.Shutter.SetOpen(false); err != nil {
		return err
	}
	if err := b.FM1.Deactivate(); err != nil {
		return err
	}
	if err := b.FM2.Deactivate(); err != nil {
		return err
	}
	if err := b.Input.InputOn(); err != nil {
		return err
	}
	if err := b.Output.InputOn(); err != nil {
		return err
	}
	return b.Mono.Home()
}

// Close shuts the shutter, opens the meter input relays and releases the
// monochromator port.  Pool-backed connections reclaim themselves.
func (b *Bench) Close() error {
	err := b.Shutter.SetOpen(false)
	if e := b.Input.InputOff(); err == nil {
		err = e
	}
	if e := b.Output.InputOff(); err == nil {
		err = e
	}
	if e := b.Mono.Close(); err == nil {
		err = e
	}
	return err
}
