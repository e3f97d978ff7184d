package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestServeReadHoldingRegistersNilCallbackReturnsIllegalFunction(t *testing.T) {
	req := buildRTURequest(0x04, FuncReadHoldingRegisters, func(b *frameBuffer) {
		b.putU16(0)
		b.putU16(1)
	})
	platform := newFakePlatform(t, req)
	server, err := NewServer(RTU, 0x04, platform, Callbacks{}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, server.Poll())

	want := []byte{0x04, 0x83, byte(ExcIllegalFunction)}
	want = append(want, crcBytes(want)...)
	assert.Equal(t, want, platform.out)
}

func TestServeReadHoldingRegistersQuantityTooLargeReturnsIllegalDataValue(t *testing.T) {
	req := buildRTURequest(0x04, FuncReadHoldingRegisters, func(b *frameBuffer) {
		b.putU16(0)
		b.putU16(maxRegisterQuantityRead + 1)
	})
	platform := newFakePlatform(t, req)
	server, err := NewServer(RTU, 0x04, platform, Callbacks{
		ReadHoldingRegisters: func(address, quantity uint16, out []uint16) error { return nil },
	})
	require.NoError(t, err)
	require.NoError(t, server.Poll())

	want := []byte{0x04, 0x83, byte(ExcIllegalDataValue)}
	want = append(want, crcBytes(want)...)
	assert.Equal(t, want, platform.out)
}

func TestServeReadHoldingRegistersAddressOverflowReturnsIllegalDataAddress(t *testing.T) {
	req := buildRTURequest(0x04, FuncReadHoldingRegisters, func(b *frameBuffer) {
		b.putU16(0xFFFF)
		b.putU16(2)
	})
	platform := newFakePlatform(t, req)
	server, err := NewServer(RTU, 0x04, platform, Callbacks{
		ReadHoldingRegisters: func(address, quantity uint16, out []uint16) error { return nil },
	})
	require.NoError(t, err)
	require.NoError(t, server.Poll())

	want := []byte{0x04, 0x83, byte(ExcIllegalDataAddress)}
	want = append(want, crcBytes(want)...)
	assert.Equal(t, want, platform.out)
}

func TestServeWriteSingleCoilBadValueReturnsIllegalDataValue(t *testing.T) {
	req := buildRTURequest(0x04, FuncWriteSingleCoil, func(b *frameBuffer) {
		b.putU16(10)
		b.putU16(0x1234) // neither 0xFF00 nor 0x0000
	})
	platform := newFakePlatform(t, req)
	server, err := NewServer(RTU, 0x04, platform, Callbacks{
		WriteSingleCoil: func(address uint16, value bool) error { return nil },
	})
	require.NoError(t, err)
	require.NoError(t, server.Poll())

	want := []byte{0x04, 0x85, byte(ExcIllegalDataValue)}
	want = append(want, crcBytes(want)...)
	assert.Equal(t, want, platform.out)
}

func TestServeCallbackErrorMapsToServerDeviceFailure(t *testing.T) {
	req := buildRTURequest(0x04, FuncWriteSingleRegister, func(b *frameBuffer) {
		b.putU16(10)
		b.putU16(99)
	})
	platform := newFakePlatform(t, req)
	server, err := NewServer(RTU, 0x04, platform, Callbacks{
		WriteSingleRegister: func(address, value uint16) error { return errPlainCallbackFailure },
	})
	require.NoError(t, err)
	require.NoError(t, server.Poll())

	want := []byte{0x04, 0x86, byte(ExcServerDeviceFailure)}
	want = append(want, crcBytes(want)...)
	assert.Equal(t, want, platform.out)
}

func TestServeCallbackExceptionCodePassesThrough(t *testing.T) {
	req := buildRTURequest(0x04, FuncWriteSingleRegister, func(b *frameBuffer) {
		b.putU16(10)
		b.putU16(99)
	})
	platform := newFakePlatform(t, req)
	server, err := NewServer(RTU, 0x04, platform, Callbacks{
		WriteSingleRegister: func(address, value uint16) error { return ExcIllegalDataAddress },
	})
	require.NoError(t, err)
	require.NoError(t, server.Poll())

	want := []byte{0x04, 0x86, byte(ExcIllegalDataAddress)}
	want = append(want, crcBytes(want)...)
	assert.Equal(t, want, platform.out)
}

func TestPollReturnsNilOnIdleTimeout(t *testing.T) {
	platform := newFakePlatform(t, nil)
	server, err := NewServer(RTU, 0x04, platform, Callbacks{})
	require.NoError(t, err)
	assert.NoError(t, server.Poll())
}

func TestPollIgnoresFrameForOtherUnit(t *testing.T) {
	var called bool
	req := buildRTURequest(0x05, FuncWriteSingleRegister, func(b *frameBuffer) {
		b.putU16(10)
		b.putU16(99)
	})
	platform := newFakePlatform(t, req)
	server, err := NewServer(RTU, 0x04, platform, Callbacks{
		WriteSingleRegister: func(address, value uint16) error { called = true; return nil },
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, server.Poll())

	assert.False(t, called, "callback invoked for a frame addressed to a different unit")
	assert.Empty(t, platform.out, "server responded to a frame addressed to a different unit")
}

// buildRTURequest assembles a valid RTU request frame (unit id, function code,
// caller-supplied body, correct CRC trailer) for feeding directly to a server
// Engine's fakePlatform.
func buildRTURequest(unitID, fc byte, body func(b *frameBuffer)) []byte {
	var b frameBuffer
	b.putU8(unitID)
	b.putU8(fc)
	body(&b)
	frame := append([]byte(nil), b.bytes()...)
	frame = append(frame, crcBytes(frame)...)
	return frame
}

func crcBytes(data []byte) []byte {
	crc := crc16(data)
	return []byte{byte(crc), byte(crc >> 8)}
}

var errPlainCallbackFailure = plainError("callback failed")

type plainError string

func (e plainError) Error() string { return string(e) }
