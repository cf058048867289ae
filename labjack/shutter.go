package labjack

import (
	"time"

	"golang.org/x/time/rate"
)

// shutterMaxHz is the SHB1 shutter's safe actuation ceiling.  Driving the
// solenoid faster than this overheats it.
const shutterMaxHz = 10

// Shutter is an SHB1 beam shutter wired to one LabJack line.  The line
// is active-low: driving it low opens the shutter.
type Shutter struct {
	dio  *DIO
	line string

	limiter *rate.Limiter
	open    bool
	known   bool
}

// NewShutter returns a shutter on the given line, e.g. "FIO3".
func NewShutter(dio *DIO, line string) *Shutter {
	return &Shutter{
		dio:     dio,
		line:    line,
		limiter: rate.NewLimiter(rate.Limit(shutterMaxHz), 1),
	}
}

// SetOpen opens or closes the shutter.  Calls are throttled to the safe
// actuation rate; a too-soon call sleeps through the remaining interval
// rather than failing.
func (s *Shutter) SetOpen(open bool) error {
	if s.known && s.open == open {
		return nil
	}
	r := s.limiter.Reserve()
	if d := r.Delay(); d > 0 {
		time.Sleep(d)
	}
	var v uint16 = 1
	if open {
		v = 0
	}
	if err := s.dio.WriteLine(s.line, v); err != nil {
		s.known = false
		return err
	}
	s.open = open
	s.known = true
	return nil
}

// IsOpen reads the line state back from the LabJack.
func (s *Shutter) IsOpen() (bool, error) {
	v, err := s.dio.ReadLine(s.line)
	if err != nil {
		return false, err
	}
	s.open = v == 0
	s.known = true
	return s.open, nil
}

// FlipMount is a motorized flip mirror/filter mount on one LabJack line.
// ON means the optic is in the beam.
type FlipMount struct {
	dio   *DIO
	line  string
	state string
}

// NewFlipMount returns a flip mount on the given line.
func NewFlipMount(dio *DIO, line string) *FlipMount {
	return &FlipMount{dio: dio, line: line, state: "UNKNOWN"}
}

// Activate flips the optic into the beam.
func (f *FlipMount) Activate() error {
	if err := f.dio.WriteLine(f.line, 1); err != nil {
		f.state = "UNKNOWN"
		return err
	}
	f.state = "ON"
	return nil
}

// Deactivate flips the optic out of the beam.
func (f *FlipMount) Deactivate() error {
	if err := f.dio.WriteLine(f.line, 0); err != nil {
		f.state = "UNKNOWN"
		return err
	}
	f.state = "OFF"
	return nil
}

// State reports the last commanded state, ON, OFF or UNKNOWN.
func (f *FlipMount) State() string {
	return f.state
}
