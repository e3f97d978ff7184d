package modbus

import (
	"fmt"

	"go.uber.org/zap"
)

// nextTID advances the TCP transaction-id generator, wrapping 0xFFFF back to 1 and
// skipping 0 (spec §3, "current_tid"; §9, "Transaction-id wrap").
func (e *Engine) nextTID() uint16 {
	e.currentTID++
	if e.currentTID == 0 {
		e.currentTID = 1
	}
	return e.currentTID
}

// beginRequest stamps the in-flight message with the destination and function
// code for a new client call and records in msg.broadcast whether it is an RTU
// broadcast (spec §4.3, "For each function call..."). It returns the transaction id used, which
// callers must hold onto locally since recvResponseHeader overwrites msg.
func (e *Engine) beginRequest(fc byte) (tid uint16) {
	m := &e.msg
	m.unitID = e.destAddressRTU
	m.fc = fc
	m.broadcast = e.transport == RTU && m.unitID == 0
	if e.transport == TCP {
		tid = e.nextTID()
		m.transactionID = tid
	}
	return tid
}

func validateQuantity(address, quantity, maxQuantity uint16) error {
	if quantity < 1 || quantity > maxQuantity {
		return fmt.Errorf("%w: quantity %d out of range", ErrInvalidArgument, quantity)
	}
	if int(address)+int(quantity) > addressSpace {
		return fmt.Errorf("%w: address %d + quantity %d exceeds address space", ErrInvalidArgument, address, quantity)
	}
	return nil
}

// recvResponseHeader reads and validates a response's header against the request
// that was just sent (spec §4.3, "Response-header validation"). On a Modbus
// exception reply it reads the exception byte and footer, then returns the
// ExceptionCode as the error.
func (e *Engine) recvResponseHeader(reqFC byte, reqTID uint16) error {
	m := &e.msg
	if _, err := e.recvHeader(); err != nil {
		return err
	}
	if e.transport == TCP && m.transactionID != reqTID {
		e.logger.Warn("unexpected transaction id", zap.Uint16("received", m.transactionID), zap.Uint16("want", reqTID))
		return fmt.Errorf("%w: transaction id %d does not match request %d", ErrInvalidResponse, m.transactionID, reqTID)
	}
	if m.ignored {
		e.logger.Warn("response from unexpected unit", zap.Uint8("unit_id", m.unitID))
		return fmt.Errorf("%w: response ignored", ErrInvalidResponse)
	}
	if m.fc == reqFC {
		return nil
	}
	if m.fc != reqFC|exceptionBit {
		e.logger.Warn("unexpected response function code", zap.Uint8("received", m.fc), zap.Uint8("want", reqFC))
		return fmt.Errorf("%w: function code %#x does not match request %#x", ErrInvalidResponse, m.fc, reqFC)
	}
	if err := e.recvBytes(1); err != nil {
		return err
	}
	excByte := m.buf.getU8(m.buf.cursor - 1)
	if err := e.recvFooter(); err != nil {
		return err
	}
	exc := ExceptionCode(excByte)
	switch exc {
	case ExcIllegalFunction, ExcIllegalDataAddress, ExcIllegalDataValue, ExcServerDeviceFailure:
		e.logger.Debug("received exception response", zap.Uint8("request_function_code", reqFC), zap.Uint8("exception_code", excByte))
		return exc
	default:
		e.logger.Warn("unknown exception code", zap.Uint8("exception_code", excByte))
		return fmt.Errorf("%w: unknown exception code %d", ErrInvalidResponse, excByte)
	}
}

func (e *Engine) clientReadBits(fc byte, address, quantity uint16, out *Bitfield) error {
	m := &e.msg
	m.reset()
	reqTID := e.beginRequest(fc)
	e.sendHeader(4)
	m.buf.putU16(address)
	m.buf.putU16(quantity)
	if err := e.sendFooter(); err != nil {
		return err
	}
	if m.broadcast {
		return nil
	}
	if err := e.recvResponseHeader(fc, reqTID); err != nil {
		return err
	}
	headerLen := m.buf.cursor
	if err := e.recvBytes(1); err != nil {
		return err
	}
	byteCount := int(m.buf.getU8(headerLen))
	if byteCount > maxBitfieldBytes {
		return fmt.Errorf("%w: byte count %d too large", ErrInvalidResponse, byteCount)
	}
	if err := e.recvBytes(byteCount); err != nil {
		return err
	}
	if err := e.recvFooter(); err != nil {
		return err
	}
	body := m.buf.bytes()[headerLen+1 : headerLen+1+byteCount]
	if out != nil {
		out.Reset()
		copy(out.data[:byteCount], body)
	}
	return nil
}

// ReadCoils reads quantity coils starting at address into out (spec §4.3, §6).
func (e *Engine) ReadCoils(address, quantity uint16, out *Bitfield) error {
	if err := validateQuantity(address, quantity, maxBitQuantityRead); err != nil {
		return err
	}
	return e.clientReadBits(FuncReadCoils, address, quantity, out)
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address into out.
func (e *Engine) ReadDiscreteInputs(address, quantity uint16, out *Bitfield) error {
	if err := validateQuantity(address, quantity, maxBitQuantityRead); err != nil {
		return err
	}
	return e.clientReadBits(FuncReadDiscreteInputs, address, quantity, out)
}

func (e *Engine) clientReadRegisters(fc byte, address, quantity uint16, out []uint16) error {
	m := &e.msg
	m.reset()
	reqTID := e.beginRequest(fc)
	e.sendHeader(4)
	m.buf.putU16(address)
	m.buf.putU16(quantity)
	if err := e.sendFooter(); err != nil {
		return err
	}
	if m.broadcast {
		return nil
	}
	if err := e.recvResponseHeader(fc, reqTID); err != nil {
		return err
	}
	headerLen := m.buf.cursor
	if err := e.recvBytes(1); err != nil {
		return err
	}
	byteCount := int(m.buf.getU8(headerLen))
	if err := e.recvBytes(byteCount); err != nil {
		return err
	}
	if err := e.recvFooter(); err != nil {
		return err
	}
	if byteCount != int(quantity)*2 {
		return fmt.Errorf("%w: byte count %d does not match quantity %d", ErrInvalidResponse, byteCount, quantity)
	}
	body := m.buf.bytes()[headerLen+1 : headerLen+1+byteCount]
	for i := 0; i < int(quantity); i++ {
		out[i] = uint16(body[2*i])<<8 | uint16(body[2*i+1])
	}
	return nil
}

// ReadHoldingRegisters reads quantity holding registers starting at address into out.
func (e *Engine) ReadHoldingRegisters(address, quantity uint16, out []uint16) error {
	if err := validateQuantity(address, quantity, maxRegisterQuantityRead); err != nil {
		return err
	}
	return e.clientReadRegisters(FuncReadHoldingRegisters, address, quantity, out)
}

// ReadInputRegisters reads quantity input registers starting at address into out.
func (e *Engine) ReadInputRegisters(address, quantity uint16, out []uint16) error {
	if err := validateQuantity(address, quantity, maxRegisterQuantityRead); err != nil {
		return err
	}
	return e.clientReadRegisters(FuncReadInputRegisters, address, quantity, out)
}

// WriteSingleCoil writes one coil and verifies the server echoed it back unchanged.
func (e *Engine) WriteSingleCoil(address uint16, value bool) error {
	m := &e.msg
	m.reset()
	reqTID := e.beginRequest(FuncWriteSingleCoil)
	wireVal := singleCoilOff
	if value {
		wireVal = singleCoilOn
	}
	e.sendHeader(4)
	m.buf.putU16(address)
	m.buf.putU16(wireVal)
	if err := e.sendFooter(); err != nil {
		return err
	}
	if m.broadcast {
		return nil
	}
	if err := e.recvResponseHeader(FuncWriteSingleCoil, reqTID); err != nil {
		return err
	}
	headerLen := m.buf.cursor
	if err := e.recvBytes(4); err != nil {
		return err
	}
	if err := e.recvFooter(); err != nil {
		return err
	}
	if m.buf.getU16(headerLen) != address || m.buf.getU16(headerLen+2) != wireVal {
		return fmt.Errorf("%w: write single coil echo mismatch", ErrInvalidResponse)
	}
	return nil
}

// WriteSingleRegister writes one holding register and verifies the echo.
func (e *Engine) WriteSingleRegister(address, value uint16) error {
	m := &e.msg
	m.reset()
	reqTID := e.beginRequest(FuncWriteSingleRegister)
	e.sendHeader(4)
	m.buf.putU16(address)
	m.buf.putU16(value)
	if err := e.sendFooter(); err != nil {
		return err
	}
	if m.broadcast {
		return nil
	}
	if err := e.recvResponseHeader(FuncWriteSingleRegister, reqTID); err != nil {
		return err
	}
	headerLen := m.buf.cursor
	if err := e.recvBytes(4); err != nil {
		return err
	}
	if err := e.recvFooter(); err != nil {
		return err
	}
	if m.buf.getU16(headerLen) != address || m.buf.getU16(headerLen+2) != value {
		return fmt.Errorf("%w: write single register echo mismatch", ErrInvalidResponse)
	}
	return nil
}

// WriteMultipleCoils writes quantity coils starting at address from values.
func (e *Engine) WriteMultipleCoils(address, quantity uint16, values *Bitfield) error {
	if err := validateQuantity(address, quantity, maxBitQuantityWrite); err != nil {
		return err
	}
	m := &e.msg
	m.reset()
	reqTID := e.beginRequest(FuncWriteMultipleCoils)
	byteCount := responseByteCount(quantity)
	e.sendHeader(2 + 2 + 1 + byteCount)
	m.buf.putU16(address)
	m.buf.putU16(quantity)
	m.buf.putU8(byte(byteCount))
	for _, b := range values.Bytes(byteCount) {
		m.buf.putU8(b)
	}
	if err := e.sendFooter(); err != nil {
		return err
	}
	if m.broadcast {
		return nil
	}
	return e.recvWriteMultipleEcho(FuncWriteMultipleCoils, reqTID, address, quantity)
}

// WriteMultipleRegisters writes len(values) holding registers starting at address.
func (e *Engine) WriteMultipleRegisters(address uint16, values []uint16) error {
	quantity := uint16(len(values))
	if err := validateQuantity(address, quantity, maxRegisterQuantityWrite); err != nil {
		return err
	}
	m := &e.msg
	m.reset()
	reqTID := e.beginRequest(FuncWriteMultipleRegisters)
	byteCount := len(values) * 2
	e.sendHeader(2 + 2 + 1 + byteCount)
	m.buf.putU16(address)
	m.buf.putU16(quantity)
	m.buf.putU8(byte(byteCount))
	for _, v := range values {
		m.buf.putU16(v)
	}
	if err := e.sendFooter(); err != nil {
		return err
	}
	if m.broadcast {
		return nil
	}
	return e.recvWriteMultipleEcho(FuncWriteMultipleRegisters, reqTID, address, quantity)
}

func (e *Engine) recvWriteMultipleEcho(fc byte, reqTID uint16, address, quantity uint16) error {
	m := &e.msg
	if err := e.recvResponseHeader(fc, reqTID); err != nil {
		return err
	}
	headerLen := m.buf.cursor
	if err := e.recvBytes(4); err != nil {
		return err
	}
	if err := e.recvFooter(); err != nil {
		return err
	}
	if m.buf.getU16(headerLen) != address || m.buf.getU16(headerLen+2) != quantity {
		return fmt.Errorf("%w: write multiple echo mismatch", ErrInvalidResponse)
	}
	return nil
}

// SendRawPDU sends an arbitrary function code and payload without interpreting it,
// for function codes this engine does not otherwise model (spec §4.3, "Raw PDU").
// Follow with ReceiveRawPDUResponse to read the reply.
func (e *Engine) SendRawPDU(fc byte, data []byte) error {
	m := &e.msg
	m.reset()
	e.beginRequest(fc)
	e.sendHeader(len(data))
	for _, b := range data {
		m.buf.putU8(b)
	}
	return e.sendFooter()
}

// ReceiveRawPDUResponse reads a response to the most recent SendRawPDU call,
// copying exactly len(out) payload bytes (spec §4.3, "Raw PDU").
func (e *Engine) ReceiveRawPDUResponse(out []byte) error {
	m := &e.msg
	if m.broadcast {
		return nil
	}
	reqFC := m.fc
	reqTID := m.transactionID
	if err := e.recvResponseHeader(reqFC, reqTID); err != nil {
		return err
	}
	headerLen := m.buf.cursor
	if err := e.recvBytes(len(out)); err != nil {
		return err
	}
	if err := e.recvFooter(); err != nil {
		return err
	}
	copy(out, m.buf.bytes()[headerLen:headerLen+len(out)])
	return nil
}
