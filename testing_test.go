package modbus

import "testing"

// fakePlatform is an in-memory Platform used by every test in this package: it
// hands out queued inbound bytes and records everything written, optionally
// reporting ErrTimeout once a queue of canned inbound bytes runs dry (spec §6,
// "Byte-I/O contract" — grounded on the teacher's testSerialPort fake).
type fakePlatform struct {
	t *testing.T

	in    []byte
	inPos int

	out []byte

	timeoutOnEmptyRead bool
	sleeps             []uint32
}

func newFakePlatform(t *testing.T, in []byte) *fakePlatform {
	return &fakePlatform{t: t, in: in, timeoutOnEmptyRead: true}
}

func (p *fakePlatform) ReadByte(timeoutMs int32) (byte, error) {
	if p.inPos >= len(p.in) {
		if p.timeoutOnEmptyRead {
			return 0, ErrTimeout
		}
		p.t.Fatalf("fakePlatform: read past end of queued input")
	}
	b := p.in[p.inPos]
	p.inPos++
	return b, nil
}

func (p *fakePlatform) WriteByte(b byte, timeoutMs int32) error {
	p.out = append(p.out, b)
	return nil
}

func (p *fakePlatform) Sleep(ms uint32) {
	p.sleeps = append(p.sleeps, ms)
}
