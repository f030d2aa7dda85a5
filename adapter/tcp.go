package adapter

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	DefaultTCPPort        = 9100
	DefaultConnectTimeout = 5 * time.Second
)

// TCPTarget addresses a network printer
type TCPTarget struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// Address returns host:port, applying the default port
func (t TCPTarget) Address() string {
	port := t.Port
	if port <= 0 {
		port = DefaultTCPPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// TCPConnector dials a network printer
type TCPConnector struct {
	target TCPTarget
	dial   func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewTCPConnector creates a connector for the given target
func NewTCPConnector(target TCPTarget) *TCPConnector {
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	target.Timeout = timeout

	dialer := &net.Dialer{Timeout: timeout}
	return &TCPConnector{
		target: target,
		dial:   dialer.DialContext,
	}
}

// Connect opens the socket. There is no retry.
func (c *TCPConnector) Connect(ctx context.Context) (Transport, error) {
	if c.target.Host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidAddress)
	}

	conn, err := c.dial(ctx, "tcp", c.target.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.target.Address(), err)
	}

	return &tcpTransport{
		conn: conn,
		w:    bufio.NewWriter(conn),
	}, nil
}

// Kind returns KindTCP
func (c *TCPConnector) Kind() Kind {
	return KindTCP
}

func (c *TCPConnector) String() string {
	return "tcp://" + c.target.Address()
}

type tcpTransport struct {
	conn net.Conn
	w    *bufio.Writer
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	return t.w.Write(p)
}

func (t *tcpTransport) Flush() error {
	return t.w.Flush()
}

func (t *tcpTransport) Close() error {
	flushErr := t.w.Flush()
	if err := t.conn.Close(); err != nil {
		return err
	}
	return flushErr
}
