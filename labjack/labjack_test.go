package labjack

import (
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/pandora-obs/gopandora/comm"
)

// modbusPeer answers write-single with an echo and read-holding with a
// canned register value.
type modbusPeer struct {
	requests [][]byte
	register uint16
	pending  []byte
}

func (m *modbusPeer) Write(p []byte) (int, error) {
	req := append([]byte(nil), p...)
	m.requests = append(m.requests, req)
	fc := req[7]
	switch fc {
	case fcWriteSingle:
		m.pending = req
	case fcReadHolding:
		resp := make([]byte, mbapLen+5)
		copy(resp, req[:mbapLen])
		binary.BigEndian.PutUint16(resp[4:6], 5)
		resp[7] = fcReadHolding
		resp[8] = 2
		binary.BigEndian.PutUint16(resp[9:11], m.register)
		m.pending = resp
	}
	return len(p), nil
}

func (m *modbusPeer) Read(p []byte) (int, error) {
	if m.pending == nil {
		return 0, io.EOF
	}
	n := copy(p, m.pending)
	m.pending = nil
	return n, nil
}

func (m *modbusPeer) Close() error { return nil }

func newTestDIO() (*modbusPeer, *DIO) {
	peer := &modbusPeer{}
	pool := comm.NewPool(1, time.Minute, func() (io.ReadWriteCloser, error) {
		return peer, nil
	})
	return peer, NewDIOFromPool(pool)
}

func TestLineAddressMapping(t *testing.T) {
	cases := map[string]uint16{
		"FIO0": 2000,
		"FIO7": 2007,
		"EIO3": 2011,
		"CIO1": 2017,
		"fio2": 2002,
	}
	for name, want := range cases {
		got, err := lineAddress(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got != want {
			t.Errorf("%s -> %d, want %d", name, got, want)
		}
	}
	if _, err := lineAddress("DAC0"); err == nil {
		t.Error("unknown bank should error")
	}
}

func TestWriteLineFrame(t *testing.T) {
	peer, dio := newTestDIO()
	if err := dio.WriteLine("FIO3", 1); err != nil {
		t.Fatal(err)
	}
	req := peer.requests[0]
	if req[7] != fcWriteSingle {
		t.Errorf("function code = %d, want %d", req[7], fcWriteSingle)
	}
	if addr := binary.BigEndian.Uint16(req[8:10]); addr != 2003 {
		t.Errorf("register = %d, want 2003", addr)
	}
	if v := binary.BigEndian.Uint16(req[10:12]); v != 1 {
		t.Errorf("value = %d, want 1", v)
	}
}

func TestReadLine(t *testing.T) {
	peer, dio := newTestDIO()
	peer.register = 1
	v, err := dio.ReadLine("FIO3")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("read %d, want 1", v)
	}
}

func TestShutterActiveLow(t *testing.T) {
	peer, dio := newTestDIO()
	s := NewShutter(dio, "FIO3")
	if err := s.SetOpen(true); err != nil {
		t.Fatal(err)
	}
	req := peer.requests[len(peer.requests)-1]
	if v := binary.BigEndian.Uint16(req[10:12]); v != 0 {
		t.Errorf("open should drive the line low, wrote %d", v)
	}
	if err := s.SetOpen(false); err != nil {
		t.Fatal(err)
	}
	req = peer.requests[len(peer.requests)-1]
	if v := binary.BigEndian.Uint16(req[10:12]); v != 1 {
		t.Errorf("close should drive the line high, wrote %d", v)
	}
}

func TestShutterDeduplicatesState(t *testing.T) {
	peer, dio := newTestDIO()
	s := NewShutter(dio, "FIO3")
	s.SetOpen(false)
	n := len(peer.requests)
	s.SetOpen(false)
	if len(peer.requests) != n {
		t.Error("repeated close should not touch the hardware")
	}
}

func TestFlipMountStates(t *testing.T) {
	_, dio := newTestDIO()
	f := NewFlipMount(dio, "FIO5")
	if f.State() != "UNKNOWN" {
		t.Errorf("initial state %q", f.State())
	}
	if err := f.Activate(); err != nil {
		t.Fatal(err)
	}
	if f.State() != "ON" {
		t.Errorf("after activate state %q", f.State())
	}
	if err := f.Deactivate(); err != nil {
		t.Fatal(err)
	}
	if f.State() != "OFF" {
		t.Errorf("after deactivate state %q", f.State())
	}
}
