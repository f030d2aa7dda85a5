// Package config reads settings from command line flags and the
// environment. Flags win over environment variables, which win over
// defaults.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nixxel-company-limited/escpos-bridge/adapter"
	"github.com/nixxel-company-limited/escpos-bridge/imaging"
	"github.com/nixxel-company-limited/escpos-bridge/printer"
)

// Environment keys
const (
	KeyServerAddress = "SERVER_ADDRESS"
	KeyTransport     = "PRINTER_TRANSPORT"
	KeyHost          = "PRINTER_HOST"
	KeyPort          = "PRINTER_PORT"
	KeyBTAddress     = "BT_ADDRESS"
	KeyBTChannel     = "BT_CHANNEL"
	KeyBTDevice      = "BT_DEVICE"
	KeyBTService     = "BT_SERVICE"
	KeyUSBVendor     = "USB_VID"
	KeyUSBProduct    = "USB_PID"
	KeyUSBSerial     = "USB_SERIAL"
	KeyMaxWidth      = "MAX_WIDTH"
	KeyMaxHeight     = "MAX_HEIGHT"
	KeyLogLevel      = "LOG_LEVEL"
	KeyDevelopment   = "LOG_DEVELOPMENT"
)

// flag name per key
var flagNames = map[string]string{
	KeyServerAddress: "address",
	KeyTransport:     "transport",
	KeyHost:          "host",
	KeyPort:          "port",
	KeyBTAddress:     "bt-address",
	KeyBTChannel:     "bt-channel",
	KeyBTDevice:      "bt-device",
	KeyBTService:     "bt-service",
	KeyUSBVendor:     "usb-vid",
	KeyUSBProduct:    "usb-pid",
	KeyUSBSerial:     "usb-serial",
	KeyMaxWidth:      "max-width",
	KeyMaxHeight:     "max-height",
	KeyLogLevel:      "log-level",
	KeyDevelopment:   "dev",
}

// Config holds the resolved settings
type Config struct {
	ServerAddress string

	Transport adapter.Kind
	Host      string
	Port      int

	BTAddress string
	BTChannel int
	BTDevice  string
	BTService uuid.UUID

	USBVendor  uint16
	USBProduct uint16
	USBSerial  string

	MaxWidth  int
	MaxHeight int

	LogLevel    string
	Development bool
}

// RegisterFlags adds every setting to fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(flagNames[KeyServerAddress], "localhost:9100", "address the print server listens on")
	fs.StringP(flagNames[KeyTransport], "t", string(adapter.KindUSB), "printer transport: usb, tcp or bluetooth")
	fs.String(flagNames[KeyHost], "", "network printer host")
	fs.Int(flagNames[KeyPort], adapter.DefaultTCPPort, "network printer port")
	fs.String(flagNames[KeyBTAddress], "", "Bluetooth printer MAC address")
	fs.Int(flagNames[KeyBTChannel], 0, "Bluetooth RFCOMM channel, 0 for the serial port profile default")
	fs.String(flagNames[KeyBTDevice], "", "bound RFCOMM device or serial port, used instead of a socket")
	fs.String(flagNames[KeyBTService], "", "Bluetooth service UUID, empty for the serial port profile")
	fs.String(flagNames[KeyUSBVendor], "", "USB vendor ID in hex, empty to auto-detect")
	fs.String(flagNames[KeyUSBProduct], "", "USB product ID in hex, empty to auto-detect")
	fs.String(flagNames[KeyUSBSerial], "", "USB serial number, picks the printer instead of the IDs")
	fs.Int(flagNames[KeyMaxWidth], imaging.DefaultMaxWidth, "printable width in dots")
	fs.Int(flagNames[KeyMaxHeight], imaging.DefaultMaxHeight, "image segment height in dots, a multiple of 24")
	fs.String(flagNames[KeyLogLevel], "info", "log level")
	fs.Bool(flagNames[KeyDevelopment], false, "human readable logs")
}

// Load resolves the configuration from fs (already parsed) and the
// environment
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	for key, name := range flagNames {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		v.SetDefault(key, flag.DefValue)
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	vendor, err := parseUSBID(v.GetString(KeyUSBVendor))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyUSBVendor, err)
	}
	product, err := parseUSBID(v.GetString(KeyUSBProduct))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyUSBProduct, err)
	}

	var service uuid.UUID
	if raw := strings.TrimSpace(v.GetString(KeyBTService)); raw != "" {
		if service, err = uuid.Parse(raw); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyBTService, err)
		}
	}

	cfg := &Config{
		ServerAddress: v.GetString(KeyServerAddress),
		Transport:     adapter.Kind(strings.ToLower(v.GetString(KeyTransport))),
		Host:          v.GetString(KeyHost),
		Port:          v.GetInt(KeyPort),
		BTAddress:     v.GetString(KeyBTAddress),
		BTChannel:     v.GetInt(KeyBTChannel),
		BTDevice:      v.GetString(KeyBTDevice),
		BTService:     service,
		USBVendor:     vendor,
		USBProduct:    product,
		USBSerial:     strings.TrimSpace(v.GetString(KeyUSBSerial)),
		MaxWidth:      v.GetInt(KeyMaxWidth),
		MaxHeight:     v.GetInt(KeyMaxHeight),
		LogLevel:      v.GetString(KeyLogLevel),
		Development:   v.GetBool(KeyDevelopment),
	}
	return cfg, nil
}

// Target builds the printer target for the configured transport
func (c *Config) Target() (printer.Target, error) {
	switch c.Transport {
	case adapter.KindTCP:
		if c.Host == "" {
			return printer.Target{}, fmt.Errorf("%s is required for the tcp transport", KeyHost)
		}
		return printer.TCPPrinter(c.Host, c.Port), nil

	case adapter.KindBluetooth:
		if c.BTChannel < 0 || c.BTChannel > 30 {
			return printer.Target{}, fmt.Errorf("invalid %s %d", KeyBTChannel, c.BTChannel)
		}
		if c.BTDevice == "" && c.BTAddress == "" {
			return printer.Target{}, fmt.Errorf("%s or %s is required for the bluetooth transport", KeyBTAddress, KeyBTDevice)
		}
		return printer.Target{
			Kind: adapter.KindBluetooth,
			Bluetooth: adapter.BluetoothTarget{
				Address:    c.BTAddress,
				Channel:    uint8(c.BTChannel),
				ServiceID:  c.BTService,
				DevicePath: c.BTDevice,
			},
		}, nil

	case adapter.KindUSB:
		target := printer.USBPrinter(c.USBVendor, c.USBProduct)
		target.USB.Serial = c.USBSerial
		return target, nil

	default:
		return printer.Target{}, fmt.Errorf("%w: %q", printer.ErrUnknownTransport, c.Transport)
	}
}

// parseUSBID accepts "04b8", "0x04b8" or empty for zero
func parseUSBID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(id), nil
}
