package printer

import (
	"fmt"

	"github.com/nixxel-company-limited/escpos-bridge/adapter"
)

// Target is a resolved connection target. Only the field matching Kind is
// read.
type Target struct {
	Kind      adapter.Kind
	Bluetooth adapter.BluetoothTarget
	TCP       adapter.TCPTarget
	USB       adapter.USBTarget
}

// BluetoothPrinter returns a Bluetooth target for a device address
func BluetoothPrinter(address string) Target {
	return Target{
		Kind:      adapter.KindBluetooth,
		Bluetooth: adapter.BluetoothTarget{Address: address},
	}
}

// TCPPrinter returns a TCP target; port <= 0 means 9100
func TCPPrinter(host string, port int) Target {
	return Target{
		Kind: adapter.KindTCP,
		TCP:  adapter.TCPTarget{Host: host, Port: port},
	}
}

// USBPrinter returns a USB target using the first printer interface.
// vid and pid both zero select the first attached printer.
func USBPrinter(vid, pid uint16) Target {
	return Target{
		Kind: adapter.KindUSB,
		USB:  adapter.USBTarget{VendorID: vid, ProductID: pid, Interface: -1},
	}
}

// Key identifies the physical device behind the target
func (t Target) Key() string {
	switch t.Kind {
	case adapter.KindBluetooth:
		if t.Bluetooth.DevicePath != "" {
			return "bluetooth:" + t.Bluetooth.DevicePath
		}
		return "bluetooth:" + t.Bluetooth.Address
	case adapter.KindTCP:
		return "tcp:" + t.TCP.Address()
	case adapter.KindUSB:
		return "usb:" + t.USB.String()
	default:
		return string(t.Kind)
	}
}

// Connector builds the connector for the target's transport
func (t Target) Connector() (adapter.Connector, error) {
	switch t.Kind {
	case adapter.KindBluetooth:
		if t.Bluetooth.DevicePath == "" && !adapter.IsMACAddress(t.Bluetooth.Address) {
			return nil, fmt.Errorf("%w: %q", adapter.ErrInvalidAddress, t.Bluetooth.Address)
		}
		return adapter.NewBluetoothConnector(t.Bluetooth), nil
	case adapter.KindTCP:
		if t.TCP.Host == "" {
			return nil, fmt.Errorf("%w: empty host", adapter.ErrInvalidAddress)
		}
		return adapter.NewTCPConnector(t.TCP), nil
	case adapter.KindUSB:
		return adapter.NewUSBConnector(t.USB), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, t.Kind)
	}
}
