//go:build linux

package adapter

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// dialRFCOMM opens a raw RFCOMM stream socket. The fd is closed when
// connect fails.
func dialRFCOMM(addr [6]byte, channel uint8) (Transport, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("failed to create bluetooth socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{
		Addr:    addr,
		Channel: channel,
	}

	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return os.NewFile(uintptr(fd), "rfcomm"), nil
}
