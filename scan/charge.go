package scan

import "time"

const defaultSettle = 50 * time.Millisecond

// ChargeChannel wraps a channel so that each trigger is preceded by a
// discharge of the integrating capacitor and a fixed settle, when enabled.
// The discharge must complete strictly before the trigger or the residual
// charge pollutes the new accumulation window.
type ChargeChannel struct {
	Channel

	// DischargeFirst enables the discharge+settle preamble.
	DischargeFirst bool

	// Settle is the post-discharge quiet period.  Zero means the default
	// 50ms.
	Settle time.Duration

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// NewChargeChannel wraps ch with the discharge preamble enabled.
func NewChargeChannel(ch Channel, discharge bool) *ChargeChannel {
	return &ChargeChannel{Channel: ch, DischargeFirst: discharge, Settle: defaultSettle, sleep: time.Sleep}
}

// Trigger discharges and settles if configured, then triggers the underlying
// channel.
func (c *ChargeChannel) Trigger() error {
	if c.DischargeFirst {
		if err := c.Channel.Discharge(); err != nil {
			return err
		}
		settle := c.Settle
		if settle == 0 {
			settle = defaultSettle
		}
		if c.sleep != nil {
			c.sleep(settle)
		} else {
			time.Sleep(settle)
		}
	}
	return c.Channel.Trigger()
}

// WithFunction switches ch to the given measurement function, runs fn, and
// restores the prior function afterward on every path.  The restore error is
// surfaced only if fn itself succeeded.
func WithFunction(ch Channel, function string, fn func() error) error {
	prior, err := ch.Function()
	if err != nil {
		return err
	}
	if err := ch.SetFunction(function); err != nil {
		return err
	}
	ferr := fn()
	rerr := ch.SetFunction(prior)
	if ferr != nil {
		return ferr
	}
	return rerr
}
