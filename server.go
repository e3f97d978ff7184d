package modbus

import (
	"errors"

	"go.uber.org/zap"
)

// Poll executes exactly one request/response cycle: it blocks for up to
// readTimeoutMs waiting for a frame to begin, and if one begins, reads, validates,
// dispatches, and (unless the request was broadcast or addressed to a different RTU
// unit) answers it (spec §4.4, "poll").
//
// A timeout on the very first byte is reported as a nil error so tight polling
// loops stay quiet; any other failure - a partial frame, a bad CRC - is returned.
// An unsupported function code is answered with ExcIllegalFunction rather than
// returned as an error.
func (e *Engine) Poll() error {
	m := &e.msg
	m.reset()

	firstByteReceived, err := e.recvHeader()
	if err != nil {
		if errors.Is(err, ErrTimeout) && !firstByteReceived {
			return nil
		}
		e.logger.Warn("failed to receive request", zap.Error(err))
		return err
	}

	if e.transport == RTU {
		m.broadcast = m.unitID == 0
		m.ignored = m.unitID != 0 && m.unitID != e.addressRTU
		if m.ignored {
			e.logger.Debug("discarding request for another unit", zap.Uint8("unit_id", m.unitID), zap.Uint8("our_address", e.addressRTU))
		}
	}

	return e.dispatch()
}

func (e *Engine) dispatch() error {
	m := &e.msg
	switch m.fc {
	case FuncReadCoils:
		return e.serveReadBits(FuncReadCoils, e.callbacks.ReadCoils)
	case FuncReadDiscreteInputs:
		return e.serveReadBits(FuncReadDiscreteInputs, e.callbacks.ReadDiscreteInputs)
	case FuncReadHoldingRegisters:
		return e.serveReadRegisters(FuncReadHoldingRegisters, e.callbacks.ReadHoldingRegisters)
	case FuncReadInputRegisters:
		return e.serveReadRegisters(FuncReadInputRegisters, e.callbacks.ReadInputRegisters)
	case FuncWriteSingleCoil:
		return e.serveWriteSingleCoil()
	case FuncWriteSingleRegister:
		return e.serveWriteSingleRegister()
	case FuncWriteMultipleCoils:
		return e.serveWriteMultipleCoils()
	case FuncWriteMultipleRegisters:
		return e.serveWriteMultipleRegisters()
	default:
		e.logger.Warn("unsupported function code", zap.Uint8("function_code", m.fc))
		if m.ignored || m.broadcast {
			return nil
		}
		return e.sendException(m.fc, ExcIllegalFunction)
	}
}

// sendException builds and sends the exception response for requestFC (spec §4.4,
// "Exception frame encoding"), or sends nothing for a broadcast request.
func (e *Engine) sendException(requestFC byte, exc ExceptionCode) error {
	m := &e.msg
	if m.broadcast {
		return nil
	}
	e.logger.Debug("sending exception", zap.Uint8("request_function_code", requestFC), zap.Uint8("exception_code", byte(exc)))
	m.fc = requestFC | exceptionBit
	e.sendHeader(1)
	m.buf.putU8(byte(exc))
	return e.sendFooter()
}

func (e *Engine) serveReadBits(fc byte, cb func(address, quantity uint16, out *Bitfield) error) error {
	m := &e.msg
	bodyStart := m.buf.cursor
	if err := e.recvBytes(4); err != nil {
		return err
	}
	address := m.buf.getU16(bodyStart)
	quantity := m.buf.getU16(bodyStart + 2)
	if err := e.recvFooter(); err != nil {
		return err
	}
	if m.ignored {
		return nil
	}
	if quantity < 1 || quantity > maxBitQuantityRead {
		return e.sendException(fc, ExcIllegalDataValue)
	}
	if int(address)+int(quantity) > addressSpace {
		return e.sendException(fc, ExcIllegalDataAddress)
	}
	if cb == nil {
		return e.sendException(fc, ExcIllegalFunction)
	}
	bits := &m.scratchBits
	bits.Reset()
	if err := cb(address, quantity, bits); err != nil {
		return e.sendException(fc, asServerException(err))
	}
	if m.broadcast {
		return nil
	}
	byteCount := responseByteCount(quantity)
	m.fc = fc
	e.sendHeader(1 + byteCount)
	m.buf.putU8(byte(byteCount))
	for _, b := range bits.Bytes(byteCount) {
		m.buf.putU8(b)
	}
	return e.sendFooter()
}

func (e *Engine) serveReadRegisters(fc byte, cb func(address, quantity uint16, out []uint16) error) error {
	m := &e.msg
	bodyStart := m.buf.cursor
	if err := e.recvBytes(4); err != nil {
		return err
	}
	address := m.buf.getU16(bodyStart)
	quantity := m.buf.getU16(bodyStart + 2)
	if err := e.recvFooter(); err != nil {
		return err
	}
	if m.ignored {
		return nil
	}
	if quantity < 1 || quantity > maxRegisterQuantityRead {
		return e.sendException(fc, ExcIllegalDataValue)
	}
	if int(address)+int(quantity) > addressSpace {
		return e.sendException(fc, ExcIllegalDataAddress)
	}
	if cb == nil {
		return e.sendException(fc, ExcIllegalFunction)
	}
	regs := m.scratchRegs[:quantity]
	for i := range regs {
		regs[i] = 0
	}
	if err := cb(address, quantity, regs); err != nil {
		return e.sendException(fc, asServerException(err))
	}
	if m.broadcast {
		return nil
	}
	m.fc = fc
	e.sendHeader(1 + int(quantity)*2)
	m.buf.putU8(byte(quantity * 2))
	for _, v := range regs {
		m.buf.putU16(v)
	}
	return e.sendFooter()
}

func (e *Engine) serveWriteSingleCoil() error {
	m := &e.msg
	bodyStart := m.buf.cursor
	if err := e.recvBytes(4); err != nil {
		return err
	}
	address := m.buf.getU16(bodyStart)
	rawVal := m.buf.getU16(bodyStart + 2)
	if err := e.recvFooter(); err != nil {
		return err
	}
	if m.ignored {
		return nil
	}
	var value bool
	switch rawVal {
	case singleCoilOn:
		value = true
	case singleCoilOff:
		value = false
	default:
		return e.sendException(FuncWriteSingleCoil, ExcIllegalDataValue)
	}
	if e.callbacks.WriteSingleCoil == nil {
		return e.sendException(FuncWriteSingleCoil, ExcIllegalFunction)
	}
	if err := e.callbacks.WriteSingleCoil(address, value); err != nil {
		return e.sendException(FuncWriteSingleCoil, asServerException(err))
	}
	if m.broadcast {
		return nil
	}
	m.fc = FuncWriteSingleCoil
	e.sendHeader(4)
	m.buf.putU16(address)
	m.buf.putU16(rawVal)
	return e.sendFooter()
}

func (e *Engine) serveWriteSingleRegister() error {
	m := &e.msg
	bodyStart := m.buf.cursor
	if err := e.recvBytes(4); err != nil {
		return err
	}
	address := m.buf.getU16(bodyStart)
	value := m.buf.getU16(bodyStart + 2)
	if err := e.recvFooter(); err != nil {
		return err
	}
	if m.ignored {
		return nil
	}
	if e.callbacks.WriteSingleRegister == nil {
		return e.sendException(FuncWriteSingleRegister, ExcIllegalFunction)
	}
	if err := e.callbacks.WriteSingleRegister(address, value); err != nil {
		return e.sendException(FuncWriteSingleRegister, asServerException(err))
	}
	if m.broadcast {
		return nil
	}
	m.fc = FuncWriteSingleRegister
	e.sendHeader(4)
	m.buf.putU16(address)
	m.buf.putU16(value)
	return e.sendFooter()
}

func (e *Engine) serveWriteMultipleCoils() error {
	m := &e.msg
	bodyStart := m.buf.cursor
	if err := e.recvBytes(5); err != nil {
		return err
	}
	address := m.buf.getU16(bodyStart)
	quantity := m.buf.getU16(bodyStart + 2)
	byteCount := int(m.buf.getU8(bodyStart + 4))
	if err := e.recvBytes(byteCount); err != nil {
		return err
	}
	if err := e.recvFooter(); err != nil {
		return err
	}
	if m.ignored {
		return nil
	}
	if quantity < 1 || quantity > maxBitQuantityWrite {
		return e.sendException(FuncWriteMultipleCoils, ExcIllegalDataValue)
	}
	if int(address)+int(quantity) > addressSpace {
		return e.sendException(FuncWriteMultipleCoils, ExcIllegalDataAddress)
	}
	if byteCount <= 0 || byteCount != responseByteCount(quantity) {
		return e.sendException(FuncWriteMultipleCoils, ExcIllegalDataValue)
	}
	if e.callbacks.WriteMultipleCoils == nil {
		return e.sendException(FuncWriteMultipleCoils, ExcIllegalFunction)
	}
	bits := &m.scratchBits
	bits.Reset()
	copy(bits.data[:byteCount], m.buf.bytes()[bodyStart+5:bodyStart+5+byteCount])
	if err := e.callbacks.WriteMultipleCoils(address, quantity, bits); err != nil {
		return e.sendException(FuncWriteMultipleCoils, asServerException(err))
	}
	if m.broadcast {
		return nil
	}
	m.fc = FuncWriteMultipleCoils
	e.sendHeader(4)
	m.buf.putU16(address)
	m.buf.putU16(quantity)
	return e.sendFooter()
}

func (e *Engine) serveWriteMultipleRegisters() error {
	m := &e.msg
	bodyStart := m.buf.cursor
	if err := e.recvBytes(5); err != nil {
		return err
	}
	address := m.buf.getU16(bodyStart)
	quantity := m.buf.getU16(bodyStart + 2)
	byteCount := int(m.buf.getU8(bodyStart + 4))
	if err := e.recvBytes(byteCount); err != nil {
		return err
	}
	if err := e.recvFooter(); err != nil {
		return err
	}
	if m.ignored {
		return nil
	}
	if quantity < 1 || quantity > maxRegisterQuantityWrite {
		return e.sendException(FuncWriteMultipleRegisters, ExcIllegalDataValue)
	}
	if int(address)+int(quantity) > addressSpace {
		return e.sendException(FuncWriteMultipleRegisters, ExcIllegalDataAddress)
	}
	if byteCount <= 0 || byteCount != int(quantity)*2 {
		return e.sendException(FuncWriteMultipleRegisters, ExcIllegalDataValue)
	}
	if e.callbacks.WriteMultipleRegisters == nil {
		return e.sendException(FuncWriteMultipleRegisters, ExcIllegalFunction)
	}
	regs := m.scratchRegs[:quantity]
	body := m.buf.bytes()[bodyStart+5 : bodyStart+5+byteCount]
	for i := range regs {
		regs[i] = uint16(body[2*i])<<8 | uint16(body[2*i+1])
	}
	if err := e.callbacks.WriteMultipleRegisters(address, regs); err != nil {
		return e.sendException(FuncWriteMultipleRegisters, asServerException(err))
	}
	if m.broadcast {
		return nil
	}
	m.fc = FuncWriteMultipleRegisters
	e.sendHeader(4)
	m.buf.putU16(address)
	m.buf.putU16(quantity)
	return e.sendFooter()
}
