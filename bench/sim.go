package bench

import (
	"math"
	"sync"

	"github.com/pandora-obs/gopandora/electrometer"
)

// simMono is an instantly-settling monochromator.
type simMono struct {
	mu  sync.Mutex
	pos float64
}

func (m *simMono) MoveTo(nm float64) error {
	m.mu.Lock()
	m.pos = nm
	m.mu.Unlock()
	return nil
}

func (m *simMono) CurrentPosition() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos, nil
}

func (m *simMono) Home() error { return m.MoveTo(0) }
func (m *simMono) Close() error {
	return nil
}

// simShutter is a stateful shutter with no actuation delay.
type simShutter struct {
	mu   sync.Mutex
	open bool
}

func (s *simShutter) SetOpen(open bool) error {
	s.mu.Lock()
	s.open = open
	s.mu.Unlock()
	return nil
}

func (s *simShutter) IsOpen() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open, nil
}

type simFlipMount struct {
	mu     sync.Mutex
	active bool
}

func (f *simFlipMount) Activate() error {
	f.mu.Lock()
	f.active = true
	f.mu.Unlock()
	return nil
}

func (f *simFlipMount) Deactivate() error {
	f.mu.Lock()
	f.active = false
	f.mu.Unlock()
	return nil
}

func (f *simFlipMount) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return "ON"
	}
	return "OFF"
}

// NewSim builds a bench over in-memory devices.  The simulated source has a
// broad peak near 550 nm so sweeps produce a recognizable throughput curve,
// and the output channel sees half the input signal.
func NewSim(cfg Config) *Bench {
	mono := &simMono{pos: 546.1}
	sh := &simShutter{}

	lamp := func(attenuation float64) func() float64 {
		return func() float64 {
			open, _ := sh.IsOpen()
			if !open {
				return 1e-12
			}
			pos, _ := mono.CurrentPosition()
			x := (pos - 550) / 120
			return attenuation * 2e-9 * math.Exp(-x*x)
		}
	}
	in := electrometer.NewMockAmmeter()
	in.Source = lamp(1)
	out := electrometer.NewMockAmmeter()
	out.Source = lamp(0.5)

	return &Bench{
		Mono:    mono,
		Shutter: sh,
		FM1:     &simFlipMount{active: true},
		FM2:     &simFlipMount{},
		Input:   in,
		Output:  out,
		cfg:     cfg,
	}
}
