//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

// Package ptypa implements modbus.Platform over a pseudo-terminal pair, so an
// RTU simulator and its client can exercise the full engine on one machine
// without real serial hardware (spec §6, "Platform Abstraction").
package ptypa

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"

	modbus "github.com/coriolis-automation/modbuscore"
)

// Pair holds both ends of a pty: Master is what a simulator's server-role PA
// wraps, SlavePath is the device a real-looking serial client can open.
type Pair struct {
	mu         sync.Mutex
	master     *os.File
	slave      *os.File
	MasterPath string
	SlavePath  string
}

// Open creates a fresh pty master/slave pair.
func Open() (*Pair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("ptypa: open: %w", err)
	}
	return &Pair{
		master:     master,
		slave:      slave,
		MasterPath: master.Name(),
		SlavePath:  slave.Name(),
	}, nil
}

// Close closes both ends.
func (p *Pair) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.master != nil {
		if e := p.master.Close(); e != nil && err == nil {
			err = e
		}
		p.master = nil
	}
	if p.slave != nil {
		if e := p.slave.Close(); e != nil && err == nil {
			err = e
		}
		p.slave = nil
	}
	return err
}

// MasterPA returns a modbus.Platform driving the master end.
func (p *Pair) MasterPA() *PA { return &PA{f: p.master} }

// SlavePA returns a modbus.Platform driving the slave end.
func (p *Pair) SlavePA() *PA { return &PA{f: p.slave} }

// PA wraps one end of a pty file descriptor as a modbus.Platform.
type PA struct {
	f *os.File
}

func (p *PA) ReadByte(timeoutMs int32) (byte, error) {
	if err := p.setDeadline(timeoutMs); err != nil {
		return 0, err
	}
	var buf [1]byte
	if _, err := p.f.Read(buf[:]); err != nil {
		if os.IsTimeout(err) {
			return 0, modbus.ErrTimeout
		}
		return 0, err
	}
	return buf[0], nil
}

func (p *PA) WriteByte(b byte, timeoutMs int32) error {
	if err := p.setDeadline(timeoutMs); err != nil {
		return err
	}
	_, err := p.f.Write([]byte{b})
	if err != nil && os.IsTimeout(err) {
		return modbus.ErrTimeout
	}
	return err
}

func (p *PA) Sleep(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func (p *PA) setDeadline(timeoutMs int32) error {
	if timeoutMs < 0 {
		return p.f.SetDeadline(time.Time{})
	}
	return p.f.SetDeadline(time.Now().Add(time.Duration(timeoutMs) * time.Millisecond))
}
