//go:build !linux

package adapter

// dialRFCOMM is only available on Linux. Elsewhere the paired printer is
// reached through its serial port (BluetoothTarget.DevicePath).
func dialRFCOMM(addr [6]byte, channel uint8) (Transport, error) {
	return nil, ErrNotSupported
}
