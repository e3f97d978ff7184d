// Package tcppa implements modbus.Platform over a net.Conn, the adapter a
// Modbus/TCP client or server uses once it has an accepted or dialed
// connection (spec §6, "Platform Abstraction"; §4.2, "MBAP framing").
package tcppa

import (
	"errors"
	"net"
	"time"

	modbus "github.com/coriolis-automation/modbuscore"
)

// PA wraps a net.Conn, translating the engine's per-byte timeouts into
// SetReadDeadline/SetWriteDeadline calls. byteSpacingMs has no meaning here;
// TCP engines never configure it.
type PA struct {
	conn net.Conn
}

// New wraps an already-connected conn (dialed by a client, or accepted by a
// listener for a server).
func New(conn net.Conn) *PA {
	return &PA{conn: conn}
}

// Dial connects to addr and wraps the result.
func Dial(addr string) (*PA, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

func (p *PA) ReadByte(timeoutMs int32) (byte, error) {
	if err := p.setDeadline(p.conn.SetReadDeadline, timeoutMs); err != nil {
		return 0, err
	}
	var buf [1]byte
	if _, err := p.conn.Read(buf[:]); err != nil {
		if isTimeout(err) {
			return 0, modbus.ErrTimeout
		}
		return 0, err
	}
	return buf[0], nil
}

func (p *PA) WriteByte(b byte, timeoutMs int32) error {
	if err := p.setDeadline(p.conn.SetWriteDeadline, timeoutMs); err != nil {
		return err
	}
	if _, err := p.conn.Write([]byte{b}); err != nil {
		if isTimeout(err) {
			return modbus.ErrTimeout
		}
		return err
	}
	return nil
}

// Sleep pauses for ms milliseconds. byteSpacingMs is RTU-only, so the engine
// never calls Sleep over TCP.
func (p *PA) Sleep(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// Close releases the underlying connection.
func (p *PA) Close() error {
	return p.conn.Close()
}

func (p *PA) setDeadline(set func(time.Time) error, timeoutMs int32) error {
	if timeoutMs < 0 {
		return set(time.Time{})
	}
	return set(time.Now().Add(time.Duration(timeoutMs) * time.Millisecond))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
