package modbus

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// readByte funnels one byte through the Platform, normalizing the result to the
// engine's flat taxonomy: ErrTimeout passes through, anything else non-nil becomes
// ErrTransport (spec §6, "Byte-I/O contract").
func (e *Engine) readByte(timeoutMs int32) (byte, error) {
	b, err := e.platform.ReadByte(timeoutMs)
	if err == nil {
		return b, nil
	}
	if errors.Is(err, ErrTimeout) {
		return 0, ErrTimeout
	}
	e.logger.Warn("platform read failed", zap.Error(err))
	return 0, fmt.Errorf("%w: %v", ErrTransport, err)
}

func (e *Engine) writeByte(b byte, timeoutMs int32) error {
	err := e.platform.WriteByte(b, timeoutMs)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return ErrTimeout
	}
	e.logger.Warn("platform write failed", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// recvBytes reads n bytes, each bounded by byteTimeoutMs, appending them to msg.buf.
func (e *Engine) recvBytes(n int) error {
	for i := 0; i < n; i++ {
		b, err := e.readByte(e.byteTimeoutMs)
		if err != nil {
			return err
		}
		e.msg.buf.putU8(b)
	}
	return nil
}

// recvHeader resets the buffer, then reads and parses the frame header for the
// engine's transport (spec §4.2, "Receive header"). firstByteReceived reports whether the very first byte
// of the frame arrived, so a server poll can tell "no activity" (firstByteReceived
// == false, err == ErrTimeout) from a partial frame (firstByteReceived == true).
func (e *Engine) recvHeader() (firstByteReceived bool, err error) {
	m := &e.msg
	m.buf.reset()

	first, err := e.readByte(e.readTimeoutMs)
	if err != nil {
		return false, err
	}
	m.buf.putU8(first)

	switch e.transport {
	case RTU:
		m.unitID = first
		fc, err := e.readByte(e.byteTimeoutMs)
		if err != nil {
			return true, err
		}
		m.buf.putU8(fc)
		m.fc = fc
		e.logger.Debug("received frame", zap.Stringer("transport", e.transport), zap.Uint8("unit_id", m.unitID), zap.Uint8("function_code", m.fc))
		return true, nil

	case TCP:
		// first byte is transaction_id's high byte; 7 more complete the MBAP
		// header (transaction_id lo, protocol_id hi/lo, length hi/lo, unit_id)
		// plus the function code that opens the PDU.
		if err := e.recvBytes(7); err != nil {
			return true, err
		}
		tid := m.buf.getU16(0)
		pid := m.buf.getU16(2)
		length := m.buf.getU16(4)
		unit := m.buf.getU8(6)
		fc := m.buf.getU8(7)
		if pid != mbapProtocolID {
			e.logger.Warn("invalid MBAP header", zap.Uint16("protocol_id", pid))
			return true, fmt.Errorf("%w: non-zero MBAP protocol id", ErrTransport)
		}
		if length > 255 {
			e.logger.Warn("invalid MBAP header", zap.Uint16("length", length))
			return true, fmt.Errorf("%w: MBAP length exceeds 255", ErrTransport)
		}
		m.transactionID = tid
		m.unitID = unit
		m.fc = fc
		e.logger.Debug("received frame", zap.Stringer("transport", e.transport), zap.Uint8("unit_id", m.unitID), zap.Uint8("function_code", m.fc), zap.Uint16("transaction_id", m.transactionID))
		return true, nil

	default:
		return true, ErrTransport
	}
}

// recvFooter reads and validates the frame trailer: the RTU CRC, or nothing on TCP
// (spec §4.2, "Receive footer").
func (e *Engine) recvFooter() error {
	if e.transport != RTU {
		return nil
	}
	m := &e.msg
	computed := crc16(m.buf.bytes())

	lo, err := e.readByte(e.byteTimeoutMs)
	if err != nil {
		return err
	}
	hi, err := e.readByte(e.byteTimeoutMs)
	if err != nil {
		return err
	}
	m.buf.putU8(lo)
	m.buf.putU8(hi)

	received := uint16(lo) | uint16(hi)<<8
	if received != computed {
		e.logger.Warn("CRC mismatch", zap.Uint16("received", received), zap.Uint16("computed", computed))
		return fmt.Errorf("%w: CRC mismatch", ErrTransport)
	}
	return nil
}

// sendHeader resets the buffer and writes the frame header, given the byte count
// that will follow the function code in the PDU payload (spec §4.2, "Send header").
// m.unitID, m.fc, and (for TCP) m.transactionID must already be set.
func (e *Engine) sendHeader(dataLength int) {
	m := &e.msg
	m.buf.reset()
	switch e.transport {
	case RTU:
		m.buf.putU8(m.unitID)
		m.buf.putU8(m.fc)
	case TCP:
		m.buf.putU16(m.transactionID)
		m.buf.putU16(mbapProtocolID)
		m.buf.putU16(uint16(1 + 1 + dataLength))
		m.buf.putU8(m.unitID)
		m.buf.putU8(m.fc)
	}
	e.logger.Debug("sending frame", zap.Stringer("transport", e.transport), zap.Uint8("unit_id", m.unitID), zap.Uint8("function_code", m.fc))
}

// sendFooter appends the RTU CRC trailer (low byte, then high byte) when
// applicable, then transmits the whole frame one byte at a time, sleeping
// byteSpacingMs before each byte when the transport is RTU and spacing is
// configured (spec §4.2, "Send footer").
func (e *Engine) sendFooter() error {
	m := &e.msg
	if e.transport == RTU {
		crc := crc16(m.buf.bytes())
		m.buf.putU8(byte(crc))
		m.buf.putU8(byte(crc >> 8))
	}
	return e.transmit(m.buf.bytes())
}

// transmit writes data one byte at a time, bounding each write by readTimeoutMs
// rather than byteTimeoutMs: original_source/modbusino.c's send() passes its own
// read_timeout_ms to every write_byte call, and outbound bytes have no "first
// byte of a frame already arrived" distinction for byteTimeoutMs to apply to
// (spec leaves this unstated; see DESIGN.md).
func (e *Engine) transmit(data []byte) error {
	spaced := e.transport == RTU && e.byteSpacingMs > 0
	for _, b := range data {
		if spaced {
			e.platform.Sleep(e.byteSpacingMs)
		}
		if err := e.writeByte(b, e.readTimeoutMs); err != nil {
			return err
		}
	}
	return nil
}
