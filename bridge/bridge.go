// Package bridge turns a connection-oriented printer transport into a plain
// byte sink. Writes are queued on a bounded channel and a dedicated worker
// goroutine owns the connection: it connects, drains the queue to the
// transport in order, closes the transport and resolves a one-shot result.
//
// A Bridge is single use. Once closed, construct a new one for the next
// transfer.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/nixxel-company-limited/escpos-bridge/adapter"
)

const (
	// ChunkSize is the largest slice handed to the transport in one write
	ChunkSize = 1024

	// queueDepth bounds buffered memory to a few chunks
	queueDepth = 4
)

var (
	// ErrConnection marks failures to establish the transport
	ErrConnection = errors.New("connection failure")
	// ErrTransfer marks failures after the transport was established
	ErrTransfer = errors.New("transfer failure")

	ErrNotOpen       = errors.New("bridge not open")
	ErrAlreadyOpened = errors.New("bridge already opened")
	ErrClosed        = errors.New("bridge closed")
)

// Bridge is a live, single-use transfer channel to one printer
type Bridge struct {
	id        string
	connector adapter.Connector
	logger    *zap.Logger

	queue  chan []byte
	eof    chan struct{}
	result *Result

	// writers hold sendMu shared; Close takes it exclusively before the
	// queue is closed
	sendMu sync.RWMutex

	opened atomic.Bool
	closed atomic.Bool

	handlerMu sync.Mutex
	onFailure func(error)
}

// New creates an unopened bridge for the given connector
func New(connector adapter.Connector) *Bridge {
	return NewWithLogger(connector, zap.NewNop())
}

// NewWithLogger creates an unopened bridge with a custom logger
func NewWithLogger(connector adapter.Connector, logger *zap.Logger) *Bridge {
	b := &Bridge{
		id:        gonanoid.Must(10),
		connector: connector,
		queue:     make(chan []byte, queueDepth),
		eof:       make(chan struct{}),
		result:    newResult(),
	}
	b.logger = logger.Named("bridge").With(
		zap.String("bridge", b.id),
		zap.String("target", connector.String()),
	)
	b.onFailure = b.logFailure
	return b
}

// ID returns the short identifier used in log fields
func (b *Bridge) ID() string {
	return b.id
}

// SetFailureHandler replaces the default failure logging. The handler is
// called from the worker goroutine for every terminal failure, including
// recovered panics, before the result is resolved. It is diagnostic only;
// use the result to drive control flow.
func (b *Bridge) SetFailureHandler(handler func(error)) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()

	if handler == nil {
		handler = b.logFailure
	}
	b.onFailure = handler
}

func (b *Bridge) logFailure(err error) {
	b.logger.Error("Transfer worker failed", zap.Error(err))
}

// Open starts the transfer worker and returns immediately. The outcome is
// delivered once to onResult (which may be nil) and through Wait.
// ctx bounds the connect step only.
func (b *Bridge) Open(ctx context.Context, onResult func(error)) error {
	if !b.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpened
	}

	b.logger.Debug("Opening bridge")
	go b.run(ctx, onResult)
	return nil
}

// Write enqueues p, blocking while the queue is full. It fails with
// ErrNotOpen before Open, ErrClosed after Close, and with the worker's
// error once the worker has terminated. A Write blocked when another
// goroutine calls Close returns ErrClosed.
func (b *Bridge) Write(p []byte) (int, error) {
	if !b.opened.Load() {
		return 0, ErrNotOpen
	}

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	if b.closed.Load() {
		return 0, ErrClosed
	}

	written := 0
	for len(p) > 0 {
		if err := b.terminated(); err != nil {
			return written, err
		}

		n := min(len(p), ChunkSize)
		chunk := make([]byte, n)
		copy(chunk, p[:n])

		select {
		case b.queue <- chunk:
		case <-b.eof:
			return written, ErrClosed
		case <-b.result.Done():
			return written, b.terminated()
		}

		// a dead worker leaves the chunk in the buffer unread
		if err := b.terminated(); err != nil {
			return written, err
		}

		written += n
		p = p[n:]
	}
	return written, nil
}

// terminated returns the worker's error if it has already stopped
func (b *Bridge) terminated() error {
	select {
	case <-b.result.Done():
		if err := b.result.Err(); err != nil {
			return err
		}
		return ErrClosed
	default:
		return nil
	}
}

// Close signals that no more bytes will be written. Writers still blocked
// on a full queue are released with ErrClosed. The worker drains what is
// queued, closes the transport and resolves the result. Close does not
// wait for the worker; use Wait. Closing twice returns ErrClosed.
func (b *Bridge) Close() error {
	if !b.opened.Load() {
		return ErrNotOpen
	}
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	close(b.eof)
	b.sendMu.Lock()
	close(b.queue)
	b.sendMu.Unlock()
	return nil
}

// Wait blocks until the worker has finished or ctx is done
func (b *Bridge) Wait(ctx context.Context) error {
	return b.result.Wait(ctx)
}

// Done is closed when the worker has finished
func (b *Bridge) Done() <-chan struct{} {
	return b.result.Done()
}

// Err returns the worker's terminal error, nil on success or while running
func (b *Bridge) Err() error {
	return b.result.Err()
}

func (b *Bridge) run(ctx context.Context, onResult func(error)) {
	written, err := b.transfer(ctx)
	if err != nil {
		b.handlerMu.Lock()
		handler := b.onFailure
		b.handlerMu.Unlock()
		handler(err)
	} else {
		b.logger.Info("Transfer complete", zap.Int64("bytes", written))
	}

	b.result.resolve(err)
	if onResult != nil {
		onResult(err)
	}
}

// transfer owns the transport for its whole life. The transport is closed
// on every path before transfer returns.
func (b *Bridge) transfer(ctx context.Context) (written int64, err error) {
	var t adapter.Transport

	defer func() {
		if r := recover(); r != nil {
			kind := ErrTransfer
			if t == nil {
				kind = ErrConnection
			}
			err = fmt.Errorf("%w: panic: %v", kind, r)
		}
		if t != nil {
			if cerr := t.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("%w: close: %w", ErrTransfer, cerr)
			}
		}
	}()

	t, err = b.connector.Connect(ctx)
	if err != nil {
		t = nil
		return 0, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	b.logger.Debug("Transport connected")

	flusher, _ := t.(adapter.Flusher)
	for chunk := range b.queue {
		n, err := t.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("%w: %w", ErrTransfer, err)
		}
		if flusher != nil {
			if err := flusher.Flush(); err != nil {
				return written, fmt.Errorf("%w: flush: %w", ErrTransfer, err)
			}
		}
	}

	return written, nil
}
