package scan

import (
	"errors"
	"testing"
	"time"
)

func TestChargeChannelDischargesStrictlyBeforeTrigger(t *testing.T) {
	ch := newScriptChannel()
	cc := NewChargeChannel(ch, true)
	slept := false
	cc.sleep = func(d time.Duration) {
		slept = true
		if d != defaultSettle {
			t.Errorf("settle = %v, want %v", d, defaultSettle)
		}
		if len(ch.events) != 1 || ch.events[0] != "discharge" {
			t.Errorf("settle before discharge completed: %v", ch.events)
		}
	}
	if err := cc.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !slept {
		t.Error("no settle between discharge and trigger")
	}
	want := []string{"discharge", "trigger"}
	if len(ch.events) != 2 || ch.events[0] != want[0] || ch.events[1] != want[1] {
		t.Errorf("events = %v, want %v", ch.events, want)
	}
}

func TestChargeChannelNoDischargeWhenDisabled(t *testing.T) {
	ch := newScriptChannel()
	cc := NewChargeChannel(ch, false)
	cc.sleep = func(time.Duration) { t.Error("settle slept with discharge disabled") }
	if err := cc.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(ch.events) != 1 || ch.events[0] != "trigger" {
		t.Errorf("events = %v, want a bare trigger", ch.events)
	}
}

func TestChargeChannelCustomSettle(t *testing.T) {
	ch := newScriptChannel()
	cc := NewChargeChannel(ch, true)
	cc.Settle = 7 * time.Millisecond
	var got time.Duration
	cc.sleep = func(d time.Duration) { got = d }
	if err := cc.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if got != 7*time.Millisecond {
		t.Errorf("settle = %v, want 7ms", got)
	}
}

func TestWithFunctionRestores(t *testing.T) {
	ch := newScriptChannel()
	err := WithFunction(ch, funcCharge, func() error {
		if ch.function != funcCharge {
			t.Errorf("function inside = %q, want %q", ch.function, funcCharge)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithFunction: %v", err)
	}
	if ch.function != funcCurrent {
		t.Errorf("function after = %q, want restored %q", ch.function, funcCurrent)
	}
}

func TestWithFunctionRestoresOnError(t *testing.T) {
	ch := newScriptChannel()
	boom := errors.New("boom")
	err := WithFunction(ch, funcCharge, func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the inner failure", err)
	}
	if ch.function != funcCurrent {
		t.Errorf("function after failed body = %q, want restored %q", ch.function, funcCurrent)
	}
}
