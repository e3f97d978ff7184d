package modbus

// Callbacks holds the eight optional server hooks (spec §3, §4.4, §6). A nil slot
// is answered with exception code 1 ("illegal function") without ever being called.
//
// Read hooks receive a pre-zeroed output buffer and fill it in place: register
// hooks get a slice of exactly the validated quantity, bit hooks get the whole
// fixed-size Bitfield. Write hooks receive the already-validated address/quantity and
// the decoded value(s). Any hook may return an ExceptionCode (1-4) to force that
// exact exception, any other non-nil error to force ExcServerDeviceFailure, or nil
// for success (spec §4.4, "Server callback contracts").
type Callbacks struct {
	ReadCoils              func(address, quantity uint16, out *Bitfield) error
	ReadDiscreteInputs     func(address, quantity uint16, out *Bitfield) error
	ReadHoldingRegisters   func(address, quantity uint16, out []uint16) error
	ReadInputRegisters     func(address, quantity uint16, out []uint16) error
	WriteSingleCoil        func(address uint16, value bool) error
	WriteSingleRegister    func(address uint16, value uint16) error
	WriteMultipleCoils     func(address, quantity uint16, values *Bitfield) error
	WriteMultipleRegisters func(address uint16, values []uint16) error
}
