package comm

import (
	"bytes"
	"io"
	"time"
)

// Terminator appends a transmission terminator on Write and strips the
// receipt terminator (and any stray carriage returns) on Read.
type Terminator struct {
	rw     io.ReadWriter
	rx, tx byte
}

// NewTerminator wraps rw with message termination handling.
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rx: rx, tx: tx}
}

func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.tx
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

func (t *Terminator) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	if err != nil {
		return n, err
	}
	trimmed := bytes.TrimRight(p[:n], string([]byte{t.rx, '\r'}))
	return len(trimmed), nil
}

// deadliner is the slice of net.Conn needed to impose timeouts.
type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

type timeout struct {
	rw io.ReadWriter
	d  deadliner
	t  time.Duration
}

// NewTimeout wraps rw so that each Read or Write call carries a fresh
// deadline.  Transports without deadline support (in-memory pipes in tests)
// pass through unwrapped.
func NewTimeout(rw io.ReadWriter, t time.Duration) (io.ReadWriter, error) {
	d, ok := rw.(deadliner)
	if !ok {
		return rw, nil
	}
	return &timeout{rw: rw, d: d, t: t}, nil
}

func (t *timeout) Read(p []byte) (int, error) {
	if err := t.d.SetReadDeadline(time.Now().Add(t.t)); err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

func (t *timeout) Write(p []byte) (int, error) {
	if err := t.d.SetWriteDeadline(time.Now().Add(t.t)); err != nil {
		return 0, err
	}
	return t.rw.Write(p)
}
