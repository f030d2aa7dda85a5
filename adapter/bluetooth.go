package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.bug.st/serial"
)

// SerialPortProfile is the well-known RFCOMM service identifier used by
// Bluetooth thermal printers.
var SerialPortProfile = uuid.MustParse("00001101-0000-1000-8000-00805F9B34FB")

// sppChannel is where thermal printers expose the serial port profile
const sppChannel = 1

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)

// BluetoothTarget addresses a paired Bluetooth printer.
// DevicePath, when set, is a bound /dev/rfcommN node or a COM port and is
// used instead of opening a socket.
// ServiceID defaults to SerialPortProfile. Channel 0 resolves to channel 1
// for that profile; any other service needs an explicit channel.
type BluetoothTarget struct {
	Address    string
	Channel    uint8
	ServiceID  uuid.UUID
	DevicePath string
}

// IsMACAddress reports whether s looks like a Bluetooth device address
func IsMACAddress(s string) bool {
	return macPattern.MatchString(s)
}

// str2ba converts a MAC string to the byte-reversed kernel representation
func str2ba(addr string) ([6]byte, error) {
	var b [6]byte
	if !IsMACAddress(addr) {
		return b, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	hw, err := net.ParseMAC(strings.ReplaceAll(addr, "-", ":"))
	if err != nil {
		return b, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b, nil
}

// BluetoothConnector opens an RFCOMM stream to a printer
type BluetoothConnector struct {
	target     BluetoothTarget
	dialRFCOMM func(addr [6]byte, channel uint8) (Transport, error)
	openSerial func(path string) (Transport, error)
}

// NewBluetoothConnector creates a connector for the given target
func NewBluetoothConnector(target BluetoothTarget) *BluetoothConnector {
	if target.ServiceID == uuid.Nil {
		target.ServiceID = SerialPortProfile
	}
	if target.Channel == 0 && target.ServiceID == SerialPortProfile {
		target.Channel = sppChannel
	}
	return &BluetoothConnector{
		target:     target,
		dialRFCOMM: dialRFCOMM,
		openSerial: openSerialPort,
	}
}

// Target returns the resolved target
func (c *BluetoothConnector) Target() BluetoothTarget {
	return c.target
}

// Connect opens the channel. A failed connect is not retried; any
// partially opened socket is closed before returning.
func (c *BluetoothConnector) Connect(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.target.DevicePath != "" {
		t, err := c.openSerial(c.target.DevicePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open port %s: %w", c.target.DevicePath, err)
		}
		return t, nil
	}

	addr, err := str2ba(c.target.Address)
	if err != nil {
		return nil, err
	}
	if c.target.Channel == 0 {
		return nil, fmt.Errorf("%w %s on %s", ErrNoChannel, c.target.ServiceID, c.target.Address)
	}

	t, err := c.dialRFCOMM(addr, c.target.Channel)
	if err != nil {
		if errors.Is(err, ErrNotSupported) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to establish RFCOMM connection to %s (service %s): %w",
			c.target.Address, c.target.ServiceID, err)
	}
	return t, nil
}

// Kind returns KindBluetooth
func (c *BluetoothConnector) Kind() Kind {
	return KindBluetooth
}

func (c *BluetoothConnector) String() string {
	if c.target.DevicePath != "" {
		return "bluetooth://" + c.target.DevicePath
	}
	s := fmt.Sprintf("bluetooth://%s/%d", c.target.Address, c.target.Channel)
	if c.target.ServiceID != SerialPortProfile {
		s += "?service=" + c.target.ServiceID.String()
	}
	return s
}

// serialTransport adapts a serial port; Flush waits for the output buffer
// to be transmitted.
type serialTransport struct {
	serial.Port
}

func (t *serialTransport) Flush() error {
	if d, ok := t.Port.(interface{ Drain() error }); ok {
		return d.Drain()
	}
	return nil
}

func openSerialPort(path string) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return &serialTransport{Port: port}, nil
}
