// Package monochromator provides an interface to CM110/112 grating
// monochromators over RS232.  The wire protocol is a fixed-size binary
// frame format; wavelengths travel as whole Angstroms split into a
// high/low byte pair.
package monochromator

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Command bytes of the CM110 protocol.
const (
	cmdScan  = 12
	cmdGoto  = 16
	cmdUnits = 50
	cmdQuery = 56
	cmdReset = 255

	// byteDone terminates a command's confirmation sequence; byteBusy is
	// emitted while the grating is still moving.
	byteDone = 24
	byteBusy = 34

	// status bytes >= 128 are error reports
	statusErr = 128
)

// unit bytes accepted by cmdUnits
const (
	UnitMicrons   = 0x00
	UnitNanometer = 0x01
	UnitAngstrom  = 0x02
)

// ErrStatus is a non-accepted status byte from the controller.
type ErrStatus struct {
	Status byte
}

func (e ErrStatus) Error() string {
	return fmt.Sprintf("monochromator: command rejected, status byte %d", e.Status)
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string, baud int) *serial.Config {
	if baud == 0 {
		baud = 9600
	}
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 2 * time.Second}
}

// CM110 represents one monochromator.
type CM110 struct {
	conn io.ReadWriteCloser

	// ConfirmTimeout bounds the wait for the done byte after a move.
	ConfirmTimeout time.Duration
}

// New opens the serial port at addr and returns a CM110 speaking through it.
func New(addr string, baud int) (*CM110, error) {
	conn, err := serial.OpenPort(makeSerConf(addr, baud))
	if err != nil {
		return nil, err
	}
	return NewFromConn(conn), nil
}

// NewFromConn wraps an already-open connection, e.g. a loopback in tests.
func NewFromConn(conn io.ReadWriteCloser) *CM110 {
	return &CM110{conn: conn, ConfirmTimeout: 30 * time.Second}
}

// Close closes the serial connection.
func (c *CM110) Close() error {
	return c.conn.Close()
}

// MoveTo commands the grating to the given wavelength in nanometers and
// blocks until the controller confirms the move finished.
func (c *CM110) MoveTo(nm float64) error {
	angstroms := int(nm*10 + 0.5)
	frame := []byte{cmdGoto, byte(angstroms / 256), byte(angstroms % 256)}
	if _, err := c.conn.Write(frame); err != nil {
		return err
	}
	status, err := c.readByte()
	if err != nil {
		return err
	}
	if status >= statusErr {
		return ErrStatus{Status: status}
	}
	return c.awaitDone()
}

// CurrentPosition queries the grating position in nanometers.
func (c *CM110) CurrentPosition() (float64, error) {
	if _, err := c.conn.Write([]byte{cmdQuery, 0}); err != nil {
		return 0, err
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return 0, err
	}
	angstroms := int(buf[0])<<8 | int(buf[1])
	// done byte trails the position words
	if err := c.awaitDone(); err != nil {
		return 0, err
	}
	return float64(angstroms) / 10, nil
}

// Home resets the grating to its home position.
func (c *CM110) Home() error {
	if _, err := c.conn.Write([]byte{cmdReset, cmdReset, cmdReset}); err != nil {
		return err
	}
	status, err := c.readByte()
	if err != nil {
		return err
	}
	if status >= statusErr {
		return ErrStatus{Status: status}
	}
	return c.awaitDone()
}

// SetUnits selects the wavelength unit used on the controller's display and
// in scan frames.  This driver always talks Angstroms on the wire.
func (c *CM110) SetUnits(unit byte) error {
	if _, err := c.conn.Write([]byte{cmdUnits, unit}); err != nil {
		return err
	}
	return c.awaitDone()
}

// awaitDone consumes confirmation bytes until the done byte arrives,
// tolerating any number of busy bytes in between.
func (c *CM110) awaitDone() error {
	deadline := time.Now().Add(c.ConfirmTimeout)
	for time.Now().Before(deadline) {
		b, err := c.readByte()
		if err != nil {
			// serial reads time out with zero bytes while the grating
			// is still in motion
			continue
		}
		switch b {
		case byteDone:
			return nil
		case byteBusy:
			continue
		default:
			return fmt.Errorf("monochromator: unexpected confirmation byte %d", b)
		}
	}
	return fmt.Errorf("monochromator: no confirmation within %s", c.ConfirmTimeout)
}

func (c *CM110) readByte() (byte, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}
