// Package serialpa implements modbus.Platform over a github.com/tarm/serial
// port, the byte-at-a-time adapter RTU deployments use in production (spec
// §6, "Platform Abstraction").
package serialpa

import (
	"io"
	"time"

	modbus "github.com/coriolis-automation/modbuscore"
	"github.com/tarm/serial"
)

// PA wraps an open *serial.Port as a modbus.Platform. The port must already be
// configured with the line parameters (baud, parity, stop bits) the wire
// requires; PA only ever reads or writes one byte at a time.
type PA struct {
	port *serial.Port
}

// New wraps an already-opened serial port.
func New(port *serial.Port) *PA {
	return &PA{port: port}
}

// Open opens name at baud and wraps the result, matching the construction
// shape the teacher's example commands use. The port gets a short ReadTimeout
// so that ReadByte can check its per-byte deadline between reads.
func Open(name string, baud int) (*PA, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	return New(port), nil
}

func (p *PA) ReadByte(timeoutMs int32) (byte, error) {
	deadline := deadlineFor(timeoutMs)
	var buf [1]byte
	for {
		n, err := p.port.Read(buf[:])
		if n == 1 {
			return buf[0], nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		if timeoutMs >= 0 && time.Now().After(deadline) {
			return 0, modbus.ErrTimeout
		}
	}
}

func (p *PA) WriteByte(b byte, timeoutMs int32) error {
	_, err := p.port.Write([]byte{b})
	if err != nil {
		return err
	}
	return nil
}

func (p *PA) Sleep(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func deadlineFor(timeoutMs int32) time.Time {
	if timeoutMs < 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
}

// Close releases the underlying port.
func (p *PA) Close() error {
	return p.port.Close()
}
