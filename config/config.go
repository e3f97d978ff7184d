// Package config loads the ambient settings a modbus.Engine is constructed
// from: role, transport, addressing, and timeouts (spec §2.3). It mirrors the
// viper-backed configuration layer the rest of this pack's gateways use,
// adapted to this engine's flat Option list instead of a gateway's nested
// upstream/downstream tree.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	modbus "github.com/coriolis-automation/modbuscore"
)

// Settings is the on-disk shape of one Engine's configuration.
type Settings struct {
	Role      string `mapstructure:"role"`      // "client" or "server"
	Transport string `mapstructure:"transport"` // "rtu" or "tcp"

	AddressRTU     byte `mapstructure:"address_rtu"`     // server's own RTU unit address
	DestinationRTU byte `mapstructure:"destination_rtu"` // client's target RTU unit address

	ReadTimeoutMs int32  `mapstructure:"read_timeout_ms"`
	ByteTimeoutMs int32  `mapstructure:"byte_timeout_ms"`
	ByteSpacingMs uint32 `mapstructure:"byte_spacing_ms"`

	Serial SerialSettings `mapstructure:"serial"`
	TCP    TCPSettings    `mapstructure:"tcp"`
}

// SerialSettings describes the line an RTU Engine's Platform opens.
type SerialSettings struct {
	Device   string `mapstructure:"device"`
	BaudRate int    `mapstructure:"baud_rate"`
}

// TCPSettings describes the endpoint a TCP Engine's Platform dials or listens on.
type TCPSettings struct {
	Address string `mapstructure:"address"`
}

// Load reads Settings from configFile, or from the conventional search path
// (/etc/modbuscore/config.yaml, $HOME/.modbuscore/config.yaml, ./config.yaml,
// first match wins) when configFile is empty.
func Load(configFile string) (*Settings, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbuscore/")
		v.AddConfigPath("$HOME/.modbuscore")
		v.AddConfigPath(".")
	}

	v.SetDefault("role", "client")
	v.SetDefault("transport", "rtu")
	v.SetDefault("read_timeout_ms", -1)
	v.SetDefault("byte_timeout_ms", 100)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &s, nil
}

// TransportValue maps the textual transport name to modbus.Transport.
func (s *Settings) TransportValue() (modbus.Transport, error) {
	switch strings.ToLower(s.Transport) {
	case "rtu":
		return modbus.RTU, nil
	case "tcp":
		return modbus.TCP, nil
	default:
		return 0, fmt.Errorf("config: unknown transport %q", s.Transport)
	}
}

// Options builds the []modbus.Option this engine's construction calls accept,
// from the ambient timeout, spacing and destination-address fields.
func (s *Settings) Options() []modbus.Option {
	opts := []modbus.Option{
		modbus.WithReadTimeout(s.ReadTimeoutMs),
		modbus.WithByteTimeout(s.ByteTimeoutMs),
	}
	if s.ByteSpacingMs > 0 {
		opts = append(opts, modbus.WithByteSpacing(s.ByteSpacingMs))
	}
	if s.DestinationRTU > 0 {
		opts = append(opts, modbus.WithDestinationAddress(s.DestinationRTU))
	}
	return opts
}
