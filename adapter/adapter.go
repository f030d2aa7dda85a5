package adapter

import (
	"context"
	"errors"
	"io"
)

// Kind identifies the transport family of a connector
type Kind string

const (
	KindBluetooth Kind = "bluetooth"
	KindTCP       Kind = "tcp"
	KindUSB       Kind = "usb"
)

// Common errors
var (
	ErrNotSupported       = errors.New("operation not supported on this platform")
	ErrInvalidAddress     = errors.New("invalid device address")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrNoPrinterInterface = errors.New("no printer interface found")
	ErrNoOutEndpoint      = errors.New("cannot find output endpoint from printer")
	ErrClaimFailed        = errors.New("failed to claim interface")
	ErrNoChannel          = errors.New("no RFCOMM channel for service")
)

// Transport is a live connection to a printer.
// Writes are delivered in order; Close releases the underlying resource.
type Transport interface {
	io.Writer

	// Close closes the connection to the printer
	Close() error
}

// Flusher is implemented by transports that buffer writes
type Flusher interface {
	Flush() error
}

// Connector establishes a transport to one fixed target
type Connector interface {
	// Connect opens the connection. It may block until the transport
	// is established or ctx is done.
	Connect(ctx context.Context) (Transport, error)

	// Kind returns the transport family
	Kind() Kind

	// String describes the target for logs
	String() string
}
