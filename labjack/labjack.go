// Package labjack provides digital I/O through a LabJack T-series over
// Modbus TCP.  The bench uses its lines to actuate the light shutter and
// the filter flip mounts.
package labjack

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pandora-obs/gopandora/comm"
)

// modbus function codes used here
const (
	fcReadHolding = 3
	fcWriteSingle = 6
)

const mbapLen = 7

// DIO is a handle to the digital I/O lines of one LabJack.
type DIO struct {
	pool *comm.Pool

	mu   sync.Mutex
	txid uint16
}

// NewDIO returns a DIO speaking Modbus TCP at addr (host:502).
func NewDIO(addr string) *DIO {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	return NewDIOFromPool(comm.NewPool(1, 10*time.Second, maker))
}

// NewDIOFromPool wraps an existing connection pool, e.g. a loopback in tests.
func NewDIOFromPool(pool *comm.Pool) *DIO {
	return &DIO{pool: pool}
}

// lineAddress maps a LabJack line name like "FIO3" to its Modbus register.
func lineAddress(name string) (uint16, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if len(name) != 4 {
		return 0, fmt.Errorf("labjack: bad line name %q", name)
	}
	n, err := strconv.Atoi(name[3:])
	if err != nil {
		return 0, fmt.Errorf("labjack: bad line name %q", name)
	}
	switch name[:3] {
	case "FIO":
		return uint16(2000 + n), nil
	case "EIO":
		return uint16(2008 + n), nil
	case "CIO":
		return uint16(2016 + n), nil
	}
	return 0, fmt.Errorf("labjack: unknown line bank in %q", name)
}

// WriteLine drives a digital line to 0 or 1.
func (d *DIO) WriteLine(name string, value uint16) error {
	addr, err := lineAddress(name)
	if err != nil {
		return err
	}
	req := d.frame(fcWriteSingle, addr, value)
	resp, err := d.roundTrip(req)
	if err != nil {
		return err
	}
	// write-single echoes the request PDU
	if len(resp) < 5 || resp[0] != fcWriteSingle {
		return fmt.Errorf("labjack: unexpected write response % x", resp)
	}
	return nil
}

// ReadLine reads back a digital line's register.
func (d *DIO) ReadLine(name string) (uint16, error) {
	addr, err := lineAddress(name)
	if err != nil {
		return 0, err
	}
	req := d.frame(fcReadHolding, addr, 1)
	resp, err := d.roundTrip(req)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 || resp[0] != fcReadHolding {
		return 0, fmt.Errorf("labjack: unexpected read response % x", resp)
	}
	return binary.BigEndian.Uint16(resp[2:4]), nil
}

// frame builds an MBAP header + 4-byte PDU body.
func (d *DIO) frame(fc byte, addr, value uint16) []byte {
	d.mu.Lock()
	d.txid++
	id := d.txid
	d.mu.Unlock()
	buf := make([]byte, mbapLen+5)
	binary.BigEndian.PutUint16(buf[0:2], id)
	// protocol id 0, length = unit + pdu
	binary.BigEndian.PutUint16(buf[4:6], 6)
	buf[6] = 1 // unit id
	buf[7] = fc
	binary.BigEndian.PutUint16(buf[8:10], addr)
	binary.BigEndian.PutUint16(buf[10:12], value)
	return buf
}

// roundTrip sends one request and returns the response PDU.
func (d *DIO) roundTrip(req []byte) ([]byte, error) {
	conn, err := d.pool.Get()
	if err != nil {
		return nil, err
	}
	defer func() { d.pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap, err = comm.NewTimeout(conn, 3*time.Second)
	if err != nil {
		return nil, err
	}
	if _, err = wrap.Write(req); err != nil {
		return nil, err
	}
	buf := make([]byte, 260)
	var n int
	n, err = wrap.Read(buf)
	if err != nil {
		return nil, err
	}
	if n < mbapLen+2 {
		err = fmt.Errorf("labjack: short modbus response, %d bytes", n)
		return nil, err
	}
	pdu := buf[mbapLen:n]
	if pdu[0]&0x80 != 0 {
		err = fmt.Errorf("labjack: modbus exception 0x%02x", pdu[1])
		return nil, err
	}
	return pdu, nil
}
