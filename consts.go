package modbus

// Function codes supported by the engine, per spec §1.
const (
	FuncReadCoils              byte = 0x01
	FuncReadDiscreteInputs     byte = 0x02
	FuncReadHoldingRegisters   byte = 0x03
	FuncReadInputRegisters     byte = 0x04
	FuncWriteSingleCoil        byte = 0x05
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleCoils     byte = 0x0F
	FuncWriteMultipleRegisters byte = 0x10
)

// exceptionBit is OR'd into the request function code to build an exception response.
const exceptionBit byte = 0x80

// Quantity and address-range limits enforced on the client before a request is sent,
// and re-validated on the server before a callback is invoked.
const (
	maxBitQuantityRead       = 2000
	maxRegisterQuantityRead  = 125
	maxBitQuantityWrite      = 0x07B0 // 1968
	maxRegisterQuantityWrite = 0x007B // 123

	addressSpace = 0x10000
)

// maxFrameSize is the largest buffer needed for any RTU or TCP frame this engine
// produces or accepts: unit_id/header + PDU + CRC trailer never exceeds this.
const maxFrameSize = 260

// maxBitfieldBytes sizes Bitfield.data. It must hold both the packed bits
// themselves (ceil(2000/8) = 250 bytes) and the largest byte_count the
// engine's non-standard quantity/8+1 formula ever produces for a FC1/2/15
// frame (responseByteCount(2000) == 251, one byte more than the bits need
// because the formula isn't a ceiling division) — see responseByteCount.
const maxBitfieldBytes = 251

// singleCoilOn/singleCoilOff are the only two legal values for FC 5's request/response
// value field.
const (
	singleCoilOn  uint16 = 0xFF00
	singleCoilOff uint16 = 0x0000
)

// mbapProtocolID is always 0 for Modbus TCP.
const mbapProtocolID uint16 = 0x0000
