package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// pipePlatform connects a client Engine directly to a server Engine in-process:
// bytes written by one side are read by the other, matching how the teacher's
// testSerialPort feeds a single canned buffer but letting us drive both roles
// (spec §8, scenarios S1-S6).
type pipePlatform struct {
	t    *testing.T
	in   chan byte
	out  chan byte
	done chan struct{}
}

func newPipePair(t *testing.T) (clientSide, serverSide *pipePlatform) {
	cToS := make(chan byte, 512)
	sToC := make(chan byte, 512)
	clientSide = &pipePlatform{t: t, in: sToC, out: cToS, done: make(chan struct{})}
	serverSide = &pipePlatform{t: t, in: cToS, out: sToC, done: make(chan struct{})}
	return clientSide, serverSide
}

func (p *pipePlatform) ReadByte(timeoutMs int32) (byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	default:
		if timeoutMs == 0 {
			return 0, ErrTimeout
		}
	}
	select {
	case b := <-p.in:
		return b, nil
	case <-p.done:
		return 0, ErrTimeout
	}
}

func (p *pipePlatform) WriteByte(b byte, timeoutMs int32) error {
	p.out <- b
	return nil
}

func (p *pipePlatform) Sleep(ms uint32) {}

func TestRTUReadHoldingRegistersRoundTrip(t *testing.T) {
	clientPA, serverPA := newPipePair(t)

	registers := []uint16{10, 20, 30}
	callbacks := Callbacks{
		ReadHoldingRegisters: func(address, quantity uint16, out []uint16) error {
			copy(out, registers[address:int(address)+int(quantity)])
			return nil
		},
	}
	server, err := NewServer(RTU, 0x04, serverPA, callbacks, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	client, err := NewClient(RTU, clientPA, WithDestinationAddress(0x04), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Poll() }()

	out := make([]uint16, 3)
	require.NoError(t, client.ReadHoldingRegisters(0, 3, out))
	close(serverPA.done)

	require.NoError(t, <-serverErr)
	assert.Equal(t, registers, out)
}

func TestRTUWriteSingleCoilRoundTrip(t *testing.T) {
	clientPA, serverPA := newPipePair(t)

	var written bool
	var writtenAddr uint16
	callbacks := Callbacks{
		WriteSingleCoil: func(address uint16, value bool) error {
			writtenAddr = address
			written = value
			return nil
		},
	}
	server, err := NewServer(RTU, 0x11, serverPA, callbacks)
	require.NoError(t, err)
	client, err := NewClient(RTU, clientPA, WithDestinationAddress(0x11))
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Poll() }()

	require.NoError(t, client.WriteSingleCoil(10, true))
	close(serverPA.done)

	require.NoError(t, <-serverErr)
	assert.True(t, written)
	assert.EqualValues(t, 10, writtenAddr)
}

func TestRTUReadCoilsMaxQuantityRoundTrip(t *testing.T) {
	clientPA, serverPA := newPipePair(t)

	callbacks := Callbacks{
		ReadCoils: func(address, quantity uint16, out *Bitfield) error {
			for i := uint16(0); i < quantity; i++ {
				out.Set(i, (address+i)%3 == 0)
			}
			return nil
		},
	}
	server, err := NewServer(RTU, 0x04, serverPA, callbacks)
	require.NoError(t, err)
	client, err := NewClient(RTU, clientPA, WithDestinationAddress(0x04))
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Poll() }()

	var out Bitfield
	require.NoError(t, client.ReadCoils(0, maxBitQuantityRead, &out))
	close(serverPA.done)
	require.NoError(t, <-serverErr)

	for i := uint16(0); i < maxBitQuantityRead; i++ {
		assert.Equal(t, i%3 == 0, out.Get(i), "out.Get(%d)", i)
	}
}

func TestRTUReadDiscreteInputsMaxQuantityRoundTrip(t *testing.T) {
	clientPA, serverPA := newPipePair(t)

	callbacks := Callbacks{
		ReadDiscreteInputs: func(address, quantity uint16, out *Bitfield) error {
			for i := uint16(0); i < quantity; i++ {
				out.Set(i, (address+i)%5 == 0)
			}
			return nil
		},
	}
	server, err := NewServer(RTU, 0x04, serverPA, callbacks)
	require.NoError(t, err)
	client, err := NewClient(RTU, clientPA, WithDestinationAddress(0x04))
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Poll() }()

	var out Bitfield
	require.NoError(t, client.ReadDiscreteInputs(0, maxBitQuantityRead, &out))
	close(serverPA.done)
	require.NoError(t, <-serverErr)

	for i := uint16(0); i < maxBitQuantityRead; i++ {
		assert.Equal(t, i%5 == 0, out.Get(i), "out.Get(%d)", i)
	}
}

func TestRTUIllegalFunctionException(t *testing.T) {
	clientPA, serverPA := newPipePair(t)

	server, err := NewServer(RTU, 0x04, serverPA, Callbacks{})
	require.NoError(t, err)
	client, err := NewClient(RTU, clientPA, WithDestinationAddress(0x04))
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Poll() }()

	out := make([]uint16, 1)
	err = client.ReadHoldingRegisters(0, 1, out)
	close(serverPA.done)
	<-serverErr

	var exc ExceptionCode
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, ExcIllegalFunction, exc)
}

func TestRTUBroadcastWriteGetsNoResponse(t *testing.T) {
	clientPA, serverPA := newPipePair(t)

	var written bool
	callbacks := Callbacks{
		WriteSingleRegister: func(address, value uint16) error {
			written = true
			return nil
		},
	}
	server, err := NewServer(RTU, 0x04, serverPA, callbacks)
	require.NoError(t, err)
	client, err := NewClient(RTU, clientPA, WithDestinationAddress(0))
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Poll() }()

	require.NoError(t, client.WriteSingleRegister(5, 42))
	close(serverPA.done)
	require.NoError(t, <-serverErr)
	assert.True(t, written, "broadcast write did not reach server callback")
}
