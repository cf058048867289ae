package electrometer

import (
	"math"
	"sync"
	"time"
)

// MockAmmeter is an in-memory stand-in for an Ammeter.  Its Source function
// plays the role of the photocurrent arriving at the input; the mock clips
// samples against the selected range exactly as the hardware does,
// substituting the overflow sentinel.
type MockAmmeter struct {
	sync.Mutex

	// Source returns the instantaneous input current in amps.
	Source func() float64

	function  string
	rng       float64
	acq       time.Duration
	interval  time.Duration
	charge    float64
	triggered bool

	// counters for assertions in tests
	Triggers   int
	Discharges int
}

// NewMockAmmeter returns a mock with a quiet input and a mid-table range.
func NewMockAmmeter() *MockAmmeter {
	return &MockAmmeter{
		Source:   func() float64 { return 0 },
		function: FuncCurrent,
		rng:      2e-7,
		acq:      10 * time.Millisecond,
		interval: 2 * time.Millisecond,
	}
}

func (m *MockAmmeter) SetFunction(fn string) error {
	m.Lock()
	defer m.Unlock()
	m.function = fn
	return nil
}

func (m *MockAmmeter) Function() (string, error) {
	m.Lock()
	defer m.Unlock()
	return m.function, nil
}

func (m *MockAmmeter) SetRange(fullScale float64) error {
	m.Lock()
	defer m.Unlock()
	m.rng = fullScale
	return nil
}

func (m *MockAmmeter) GetRange() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.rng, nil
}

func (m *MockAmmeter) SetAcquisitionTime(d time.Duration) error {
	m.Lock()
	defer m.Unlock()
	m.acq = d
	return nil
}

func (m *MockAmmeter) InputOn() error  { return nil }
func (m *MockAmmeter) InputOff() error { return nil }

func (m *MockAmmeter) Trigger() error {
	m.Lock()
	defer m.Unlock()
	m.Triggers++
	m.triggered = true
	return nil
}

func (m *MockAmmeter) Discharge() error {
	m.Lock()
	defer m.Unlock()
	m.Discharges++
	m.charge = 0
	return nil
}

// ReadBack synthesizes the sample array for the last trigger.  In charge
// mode the integrating capacitor accumulates across calls until Discharge.
func (m *MockAmmeter) ReadBack() ([]float64, bool, error) {
	m.Lock()
	defer m.Unlock()
	m.triggered = false
	n := int(m.acq / m.interval)
	if n < 1 {
		n = 1
	}
	if n > 500 {
		n = 500
	}
	dt := m.acq.Seconds() / float64(n)
	samples := make([]float64, n)
	overflow := false
	for i := range samples {
		v := m.Source()
		if m.function == FuncCharge {
			m.charge += v * dt
			v = m.charge
		}
		if math.Abs(v) > m.rng {
			v = OverflowSentinel
			overflow = true
		}
		samples[i] = v
	}
	return samples, overflow, nil
}
