// Command rtusim runs a Modbus RTU server over a pty-backed simulated serial
// line, so a real RTU client can be pointed at its slave path without any
// hardware (spec §6, "Platform Abstraction"; demonstrates platform/ptypa).
package main

import (
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"

	modbus "github.com/coriolis-automation/modbuscore"
	"github.com/coriolis-automation/modbuscore/platform/ptypa"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	pair, err := ptypa.Open()
	if err != nil {
		logger.Fatal("failed to open pty pair", zap.Error(err))
	}
	defer pair.Close()

	logger.Info("simulated RTU slave ready", zap.String("device", pair.SlavePath))

	holding := make([]uint16, 128)
	var coils modbus.Bitfield

	server, err := modbus.NewServer(modbus.RTU, 0x01, pair.MasterPA(), modbus.Callbacks{
		ReadHoldingRegisters: func(address, quantity uint16, out []uint16) error {
			if int(address)+int(quantity) > len(holding) {
				return modbus.ExcIllegalDataAddress
			}
			copy(out, holding[address:int(address)+int(quantity)])
			return nil
		},
		WriteSingleRegister: func(address, value uint16) error {
			if int(address) >= len(holding) {
				return modbus.ExcIllegalDataAddress
			}
			holding[address] = value
			return nil
		},
		ReadCoils: func(address, quantity uint16, out *modbus.Bitfield) error {
			for i := uint16(0); i < quantity; i++ {
				out.Set(i, coils.Get(address+i))
			}
			return nil
		},
		WriteSingleCoil: func(address uint16, value bool) error {
			coils.Set(address, value)
			return nil
		},
	}, modbus.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to construct server", zap.Error(err))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := server.Poll(); err != nil {
				logger.Warn("poll error", zap.Error(err))
			}
		}
	}()

	fmt.Println("connect a client to", pair.SlavePath)
	<-done
}
