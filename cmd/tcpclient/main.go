// Command tcpclient dials a Modbus/TCP server and reads a block of holding
// registers, demonstrating platform/tcppa and the client half of the engine.
package main

import (
	"flag"
	"fmt"

	"go.uber.org/zap"

	modbus "github.com/coriolis-automation/modbuscore"
	"github.com/coriolis-automation/modbuscore/platform/tcppa"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:502", "host:port of the Modbus/TCP server")
	address := flag.Uint("address", 0, "starting holding register address")
	quantity := flag.Uint("quantity", 8, "number of holding registers to read")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	pa, err := tcppa.Dial(*addr)
	if err != nil {
		logger.Fatal("dial failed", zap.String("addr", *addr), zap.Error(err))
	}
	defer pa.Close()

	client, err := modbus.NewClient(modbus.TCP, pa, modbus.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to construct client", zap.Error(err))
	}

	out := make([]uint16, *quantity)
	if err := client.ReadHoldingRegisters(uint16(*address), uint16(*quantity), out); err != nil {
		logger.Fatal("ReadHoldingRegisters failed", zap.Error(err))
	}

	for i, v := range out {
		fmt.Printf("register %d: %d\n", uint(*address)+uint(i), v)
	}
}
