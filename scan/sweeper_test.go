package scan

import (
	"context"
	"errors"
	"testing"
	"time"
)

// readback is one canned ReadBack result for a scripted channel.
type readback struct {
	samples  []float64
	overflow bool
}

var (
	rbOK  = readback{samples: []float64{1e-9, 1.1e-9, 0.9e-9}}
	rbOVF = readback{samples: []float64{9.91e37}, overflow: true}
)

// scriptChannel is an in-memory Channel whose readbacks follow a script;
// once the script runs out every readback succeeds with a small signal.
type scriptChannel struct {
	function  string
	functions []string
	ranges    []float64
	acq       time.Duration
	events    []string
	script    []readback
	idx       int
}

func newScriptChannel(script ...readback) *scriptChannel {
	return &scriptChannel{function: funcCurrent, script: script}
}

func (c *scriptChannel) SetFunction(fn string) error {
	c.function = fn
	c.functions = append(c.functions, fn)
	return nil
}

func (c *scriptChannel) Function() (string, error) { return c.function, nil }

func (c *scriptChannel) SetRange(r float64) error {
	c.ranges = append(c.ranges, r)
	return nil
}

func (c *scriptChannel) SetAcquisitionTime(d time.Duration) error {
	c.acq = d
	return nil
}

func (c *scriptChannel) Trigger() error {
	c.events = append(c.events, "trigger")
	return nil
}

func (c *scriptChannel) Discharge() error {
	c.events = append(c.events, "discharge")
	return nil
}

func (c *scriptChannel) ReadBack() ([]float64, bool, error) {
	if c.idx >= len(c.script) {
		return rbOK.samples, false, nil
	}
	rb := c.script[c.idx]
	c.idx++
	return rb.samples, rb.overflow, nil
}

func (c *scriptChannel) triggers() int {
	n := 0
	for _, e := range c.events {
		if e == "trigger" {
			n++
		}
	}
	return n
}

type fakeShutter struct {
	open  bool
	calls []bool
}

func (s *fakeShutter) SetOpen(b bool) error {
	s.open = b
	s.calls = append(s.calls, b)
	return nil
}

type fakeMono struct {
	moves []float64
}

func (m *fakeMono) MoveTo(nm float64) error {
	m.moves = append(m.moves, nm)
	return nil
}

func (m *fakeMono) CurrentPosition() (float64, error) {
	if len(m.moves) == 0 {
		return 0, nil
	}
	return m.moves[len(m.moves)-1], nil
}

type memRecorder struct {
	recs []Record
}

func (r *memRecorder) Append(rec Record) error {
	r.recs = append(r.recs, rec)
	return nil
}

type fixedAux struct{}

func (fixedAux) AuxState() AuxState { return AuxState{FM1: "ON", FM2: "OFF"} }

var testRanges = []float64{2e-9, 2e-8, 2e-7}

func newTestSweeper(one, two *scriptChannel, rec *memRecorder) (*Sweeper, *fakeMono, *fakeShutter) {
	mono := &fakeMono{}
	sh := &fakeShutter{}
	sw := &Sweeper{
		Mono:         mono,
		Shutter:      sh,
		One:          one,
		Two:          two,
		OneRanges:    testRanges,
		TwoRanges:    testRanges,
		ChargeRanges: []float64{2e-9, 2e-8, 2e-7, 2e-6},
		Rec:          rec,
		Aux:          fixedAux{},
		Logf:         func(string, ...interface{}) {},
		ProbeTime:    time.Millisecond,
	}
	return sw, mono, sh
}

func TestSweepRecordAndTriggerCounts(t *testing.T) {
	one, two := newScriptChannel(), newScriptChannel()
	rec := &memRecorder{}
	sw, mono, _ := newTestSweeper(one, two, rec)

	req := validReq()
	req.Repeats = 2
	req.ExposureTime = time.Millisecond
	res, err := sw.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.AbortedEarly {
		t.Error("sweep reported aborted")
	}
	if res.WavelengthsCompleted != 3 {
		t.Errorf("wavelengths completed = %d, want 3", res.WavelengthsCompleted)
	}
	// 3 wavelengths x 2 repeats x (dark, light, dark)
	if len(rec.recs) != 18 {
		t.Errorf("records = %d, want 18", len(rec.recs))
	}
	if res.RecordsEmitted != len(rec.recs) {
		t.Errorf("RecordsEmitted = %d, recorder saw %d", res.RecordsEmitted, len(rec.recs))
	}
	// 18 exposures plus one auto-range probe per wavelength
	if got := one.triggers(); got != 21 {
		t.Errorf("channel one triggers = %d, want 21", got)
	}
	wantMoves := []float64{400, 405, 410}
	if len(mono.moves) != len(wantMoves) {
		t.Fatalf("moves = %v, want %v", mono.moves, wantMoves)
	}
	for i := range wantMoves {
		if mono.moves[i] != wantMoves[i] {
			t.Errorf("move %d = %g, want %g", i, mono.moves[i], wantMoves[i])
		}
	}
	for _, r := range rec.recs {
		if r.FM1 != "ON" || r.FM2 != "OFF" {
			t.Fatalf("aux state not recorded: %+v", r)
		}
		if r.EffectiveExptime <= 0 {
			t.Fatalf("effective exptime not measured: %+v", r)
		}
	}
}

func TestSweepEffectiveExptimeIsMeasured(t *testing.T) {
	one, two := newScriptChannel(), newScriptChannel()
	rec := &memRecorder{}
	sw, _, _ := newTestSweeper(one, two, rec)

	req := validReq()
	req.WaveEnd = 400
	req.ExposureTime = 5 * time.Millisecond
	if _, err := sw.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, r := range rec.recs {
		if r.EffectiveExptime < r.Exptime {
			t.Errorf("effective exptime %g s shorter than the wait itself (%g s)",
				r.EffectiveExptime, r.Exptime)
		}
		if r.EffectiveExptime == r.Exptime {
			t.Errorf("effective exptime equals the nominal value exactly; it must be the measured span")
		}
	}
}

func TestSweepBumpsRangeOnOverflowAndRetries(t *testing.T) {
	// probe ok, dark ok, light overflows once, retry succeeds
	one := newScriptChannel(rbOK, rbOK, rbOVF)
	two := newScriptChannel()
	rec := &memRecorder{}
	sw, _, _ := newTestSweeper(one, two, rec)

	req := validReq()
	req.WaveEnd = 400
	req.ExposureTime = time.Millisecond
	res, err := sw.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WavelengthsCompleted != 1 {
		t.Errorf("wavelengths completed = %d, want 1", res.WavelengthsCompleted)
	}
	if len(rec.recs) != 3 {
		t.Fatalf("records = %d, want 3 (dark, light, dark)", len(rec.recs))
	}
	lights := 0
	for _, r := range rec.recs {
		if r.Light {
			lights++
		}
	}
	if lights != 1 {
		t.Errorf("light records = %d, want exactly 1", lights)
	}
	// auto-range picked the floor, the overflow bumped one decade
	want := []float64{2e-9, 2e-8}
	if len(one.ranges) != len(want) {
		t.Fatalf("range history = %v, want %v", one.ranges, want)
	}
	for i := range want {
		if one.ranges[i] != want[i] {
			t.Errorf("range %d = %g, want %g", i, one.ranges[i], want[i])
		}
	}
	// the quiet channel must not be bumped
	if len(two.ranges) != 1 {
		t.Errorf("channel two range history = %v, want a single auto-range", two.ranges)
	}
}

func TestSweepSkipsWavelengthWhenRangesExhaust(t *testing.T) {
	// two-entry table: one bump and the next overflow exhausts it
	one := newScriptChannel(rbOK, rbOK, rbOVF, rbOVF)
	two := newScriptChannel()
	rec := &memRecorder{}
	sw, _, _ := newTestSweeper(one, two, rec)
	sw.OneRanges = []float64{2e-9, 2e-8}

	req := validReq()
	req.WaveEnd = 405
	req.ExposureTime = time.Millisecond
	res, err := sw.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: exhaustion must not abort the sweep: %v", err)
	}
	if res.WavelengthsCompleted != 1 {
		t.Errorf("wavelengths completed = %d, want 1 (400 skipped, 405 done)", res.WavelengthsCompleted)
	}
	if !errors.Is(res.LastErr, ErrRangeExhausted) {
		t.Errorf("LastErr = %v, want ErrRangeExhausted", res.LastErr)
	}
	// 400's leading dark plus 405's full triplet
	if len(rec.recs) != 4 {
		t.Fatalf("records = %d, want 4", len(rec.recs))
	}
	for _, r := range rec.recs[1:] {
		if r.Wavelength != 405 {
			t.Errorf("record at %g nm after the skip, want 405", r.Wavelength)
		}
	}
}

func TestSweepRetryCeiling(t *testing.T) {
	// every light exposure overflows but the table never exhausts;
	// the attempt ceiling must end it
	one := newScriptChannel(rbOK, rbOK, rbOVF, rbOVF, rbOVF, rbOVF, rbOVF)
	two := newScriptChannel()
	rec := &memRecorder{}
	sw, _, _ := newTestSweeper(one, two, rec)
	sw.OneRanges = []float64{2e-9, 2e-8, 2e-7, 2e-6, 2e-5, 2e-4}

	req := validReq()
	req.WaveEnd = 400
	req.ExposureTime = time.Millisecond
	res, err := sw.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WavelengthsCompleted != 0 {
		t.Errorf("wavelengths completed = %d, want 0", res.WavelengthsCompleted)
	}
	if !errors.Is(res.LastErr, ErrRangeExhausted) {
		t.Errorf("LastErr = %v, want ErrRangeExhausted", res.LastErr)
	}
	// initial attempt plus three retries
	lightsTried := one.idx - 2
	if lightsTried != 4 {
		t.Errorf("light attempts = %d, want 4", lightsTried)
	}
}

func TestSweepCancelBetweenWavelengths(t *testing.T) {
	one, two := newScriptChannel(), newScriptChannel()
	rec := &memRecorder{}
	sw, mono, _ := newTestSweeper(one, two, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw.Progress = func(done, total int, wl float64) {
		if done == 2 {
			cancel()
		}
	}
	req := validReq()
	req.ExposureTime = time.Millisecond
	res, err := sw.Run(ctx, req)
	if err != nil {
		t.Fatalf("cancellation must not surface as an error: %v", err)
	}
	if !res.AbortedEarly {
		t.Error("sweep did not report early abort")
	}
	if res.WavelengthsCompleted != 2 {
		t.Errorf("wavelengths completed = %d, want 2", res.WavelengthsCompleted)
	}
	if len(mono.moves) != 2 {
		t.Errorf("monochromator moved %d times after cancel, want 2 (%v)", len(mono.moves), mono.moves)
	}
	for _, r := range rec.recs {
		if r.Wavelength == 410 {
			t.Errorf("record persisted for the wavelength after cancellation")
		}
	}
}

func TestSweepChargeModeFixedRangeAndRestore(t *testing.T) {
	one, two := newScriptChannel(), newScriptChannel()
	rec := &memRecorder{}
	sw, _, _ := newTestSweeper(one, two, rec)

	req := validReq()
	req.WaveEnd = 400
	req.ExposureTime = time.Millisecond
	req.Mode = ModeCharge
	req.ChargeRange = 2e-7
	req.DischargeBeforeAcquire = true
	res, err := sw.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WavelengthsCompleted != 1 {
		t.Errorf("wavelengths completed = %d, want 1", res.WavelengthsCompleted)
	}
	// fixed range means no probe exposure: 3 triggers only
	if got := one.triggers(); got != 3 {
		t.Errorf("channel one triggers = %d, want 3", got)
	}
	if len(one.ranges) != 1 || one.ranges[0] != 2e-7 {
		t.Errorf("range history = %v, want the single fixed 2e-7", one.ranges)
	}
	// the function must be switched to charge and restored afterward
	if one.function != funcCurrent {
		t.Errorf("function after sweep = %q, want restored %q", one.function, funcCurrent)
	}
	if len(one.functions) < 2 || one.functions[0] != funcCharge {
		t.Errorf("function history = %v, want charge first then restore", one.functions)
	}
	// every trigger must come strictly after a discharge
	for i, e := range one.events {
		if e != "trigger" {
			continue
		}
		if i == 0 || one.events[i-1] != "discharge" {
			t.Fatalf("trigger at event %d without a preceding discharge: %v", i, one.events)
		}
	}
	for _, r := range rec.recs {
		if r.Mode != ModeCharge {
			t.Errorf("record mode = %v, want charge", r.Mode)
		}
	}
}

func TestSweepChargeModeNoDischargeWhenDisabled(t *testing.T) {
	one, two := newScriptChannel(), newScriptChannel()
	rec := &memRecorder{}
	sw, _, _ := newTestSweeper(one, two, rec)

	req := validReq()
	req.WaveEnd = 400
	req.ExposureTime = time.Millisecond
	req.Mode = ModeCharge
	req.ChargeRange = 2e-9
	res, err := sw.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WavelengthsCompleted != 1 {
		t.Errorf("wavelengths completed = %d, want 1", res.WavelengthsCompleted)
	}
	for _, e := range one.events {
		if e == "discharge" {
			t.Fatal("discharge issued without DischargeBeforeAcquire")
		}
	}
}

func TestSweepDarkOverflowDiscardedWithoutRetry(t *testing.T) {
	// leading dark overflows; it is discarded, the wavelength still runs
	one := newScriptChannel(rbOK, rbOVF)
	two := newScriptChannel()
	rec := &memRecorder{}
	sw, _, _ := newTestSweeper(one, two, rec)

	req := validReq()
	req.WaveEnd = 400
	req.ExposureTime = time.Millisecond
	res, err := sw.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WavelengthsCompleted != 1 {
		t.Errorf("wavelengths completed = %d, want 1", res.WavelengthsCompleted)
	}
	if len(rec.recs) != 2 {
		t.Fatalf("records = %d, want 2 (light and trailing dark)", len(rec.recs))
	}
	// a dark overflow must not touch the range
	if len(one.ranges) != 1 {
		t.Errorf("range history = %v, want the probe auto-range only", one.ranges)
	}
}

func TestSweepRejectsInvalidRequest(t *testing.T) {
	one, two := newScriptChannel(), newScriptChannel()
	sw, mono, _ := newTestSweeper(one, two, &memRecorder{})
	req := validReq()
	req.WaveStep = -1
	_, err := sw.Run(context.Background(), req)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if len(mono.moves) != 0 {
		t.Error("hardware touched by an invalid request")
	}
}

// failChannel wraps a scriptChannel and fails the nth readback, the way a
// dropped serial link or a fetch timeout surfaces mid-sweep.
type failChannel struct {
	*scriptChannel
	failOn int
	reads  int
	err    error
}

func (c *failChannel) ReadBack() ([]float64, bool, error) {
	c.reads++
	if c.reads == c.failOn {
		return nil, false, c.err
	}
	return c.scriptChannel.ReadBack()
}

func TestSweepDeviceFailureAbortsWithPartialResult(t *testing.T) {
	one, two := newScriptChannel(), newScriptChannel()
	rec := &memRecorder{}
	sw, mono, _ := newTestSweeper(one, two, rec)
	// 400 nm completes (auto-range probe plus a full triplet); the first
	// dark at 405 nm dies on the wire
	boom := errors.New("fetch: i/o timeout")
	sw.One = &failChannel{scriptChannel: one, failOn: 6, err: boom}

	req := validReq()
	req.ExposureTime = time.Millisecond
	res, err := sw.Run(context.Background(), req)
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want the device failure", err)
	}
	if res.WavelengthsCompleted != 1 {
		t.Errorf("wavelengths completed = %d, want 1", res.WavelengthsCompleted)
	}
	if res.RecordsEmitted != 3 || len(rec.recs) != 3 {
		t.Errorf("records = %d (recorder saw %d), want the 400 nm triplet only", res.RecordsEmitted, len(rec.recs))
	}
	if len(mono.moves) != 2 {
		t.Errorf("moves = %v, want the abort mid-405", mono.moves)
	}
	// the scoped function switch must unwind even on a fatal abort
	for _, ch := range []*scriptChannel{one, two} {
		if len(ch.functions) != 2 {
			t.Fatalf("function switches = %v, want set then restore", ch.functions)
		}
		if got := ch.functions[len(ch.functions)-1]; got != funcCurrent {
			t.Errorf("function after abort = %q, want %q", got, funcCurrent)
		}
	}
}
