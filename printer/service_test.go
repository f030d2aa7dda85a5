package printer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixxel-company-limited/escpos-bridge/adapter"
	"github.com/nixxel-company-limited/escpos-bridge/bridge"
	"github.com/nixxel-company-limited/escpos-bridge/escpos"
	"github.com/nixxel-company-limited/escpos-bridge/imaging"
)

type fakeTransport struct {
	delay time.Duration

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (t *fakeTransport) Write(p []byte) (int, error) {
	time.Sleep(t.delay)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Write(p)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf.Bytes()...)
}

// fakeConnector hands out one fakeTransport per Connect
type fakeConnector struct {
	target Target
	err    error
	delay  time.Duration

	mu         sync.Mutex
	transports []*fakeTransport
}

func (c *fakeConnector) Connect(ctx context.Context) (adapter.Transport, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTransport{delay: c.delay}
	c.transports = append(c.transports, t)
	return t, nil
}

func (c *fakeConnector) Kind() adapter.Kind {
	return c.target.Kind
}

func (c *fakeConnector) String() string {
	return "fake://" + c.target.Key()
}

func (c *fakeConnector) all() []*fakeTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTransport(nil), c.transports...)
}

func (c *fakeConnector) last() *fakeTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.transports) == 0 {
		return nil
	}
	return c.transports[len(c.transports)-1]
}

// fakeConnectors keeps one fakeConnector per target key
type fakeConnectors struct {
	mu    sync.Mutex
	byID  map[string]*fakeConnector
	err   error
	delay time.Duration
}

func newFakeConnectors() *fakeConnectors {
	return &fakeConnectors{byID: make(map[string]*fakeConnector)}
}

func (f *fakeConnectors) connect(target Target) (adapter.Connector, error) {
	return f.get(target), nil
}

func (f *fakeConnectors) get(target Target) *fakeConnector {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[target.Key()]
	if !ok {
		c = &fakeConnector{target: target, err: f.err, delay: f.delay}
		f.byID[target.Key()] = c
	}
	return c
}

func blackImage(w, h int) imaging.Source {
	// a zeroed Gray image is all black
	return imaging.FromImage(image.NewGray(image.Rect(0, 0, w, h)))
}

func TestPrintImage(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	target := TCPPrinter("printer.local", 9100)

	err := svc.PrintImage(context.Background(), Request{
		Target: target,
		Image:  blackImage(8, 30),
	})
	require.NoError(t, err)

	var expected []byte
	for _, rows := range []int{24, 6} {
		expected = append(expected, escpos.GS, 'v', '0', 0, 1, 0, byte(rows), 0)
		expected = append(expected, bytes.Repeat([]byte{0xff}, rows)...)
	}
	expected = append(expected, escpos.ESC, 'd', DefaultFeed)
	expected = append(expected, escpos.GS, 'V', '0')

	transport := fakes.get(target).last()
	require.NotNil(t, transport)
	assert.Equal(t, expected, transport.Bytes())
	assert.True(t, transport.closed)
	assert.False(t, svc.Active(target), "finished bridges are not tracked")
}

func TestPrintImageWithoutFeedOrCut(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	target := TCPPrinter("printer.local", 0)

	err := svc.PrintImage(context.Background(), Request{
		Target:    target,
		Image:     blackImage(8, 2),
		MaxHeight: 48,
		Feed:      -1,
		NoCut:     true,
	})
	require.NoError(t, err)

	expected := []byte{escpos.GS, 'v', '0', 0, 1, 0, 2, 0, 0xff, 0xff}
	assert.Equal(t, expected, fakes.get(target).last().Bytes())
}

func TestPrintImageScalesWideImages(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	target := TCPPrinter("printer.local", 0)

	err := svc.PrintImage(context.Background(), Request{
		Target:    target,
		Image:     blackImage(1200, 48),
		MaxWidth:  576,
		MaxHeight: 48,
		Feed:      -1,
		NoCut:     true,
	})
	require.NoError(t, err)

	// 1200x48 becomes 576x23, one segment of 72 bytes per row
	got := fakes.get(target).last().Bytes()
	require.Len(t, got, 8+72*23)
	assert.Equal(t, []byte{escpos.GS, 'v', '0', 0, 72, 0, 23, 0}, got[:8])
}

func TestPrintImageRejectsMissingImage(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	target := TCPPrinter("printer.local", 0)

	err := svc.PrintImage(context.Background(), Request{Target: target})
	assert.ErrorIs(t, err, ErrNoImage)

	err = svc.PrintImage(context.Background(), Request{Target: target, Image: blackImage(0, 0)})
	assert.ErrorIs(t, err, imaging.ErrEmptyImage)

	assert.Nil(t, fakes.get(target).last(), "nothing connects for an unusable image")
}

func TestOpenDrawer(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	target := BluetoothPrinter("00:11:22:33:44:55")

	require.NoError(t, svc.OpenDrawer(context.Background(), target))
	assert.Equal(t, []byte{escpos.ESC, 'p', 0, 25, 250}, fakes.get(target).last().Bytes())
}

func TestOpenDrawerPin(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	target := TCPPrinter("printer.local", 0)

	require.NoError(t, svc.OpenDrawerPin(context.Background(), target, escpos.DrawerPin5))
	assert.Equal(t, []byte{escpos.ESC, 'p', 1, 25, 250}, fakes.get(target).last().Bytes())

	err := svc.OpenDrawerPin(context.Background(), target, 7)
	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.ErrorIs(t, err, ErrInvalidPin)
	assert.Len(t, fakes.get(target).all(), 1, "nothing connects for an invalid pin")
}

func TestWriteRaw(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	target := USBPrinter(0x04b8, 0x0202)

	require.NoError(t, svc.WriteRaw(context.Background(), target, []byte("hello\n")))
	assert.Equal(t, []byte("hello\n"), fakes.get(target).last().Bytes())
}

func TestFailuresMapToHostError(t *testing.T) {
	fakes := newFakeConnectors()
	fakes.err = errors.New("connection refused")
	svc := NewWithConnector(fakes.connect, nil)

	err := svc.OpenDrawer(context.Background(), TCPPrinter("printer.local", 0))
	require.Error(t, err)

	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, CodeError, herr.Code)
	assert.Contains(t, herr.Message, "connection refused")
	assert.ErrorIs(t, err, bridge.ErrConnection)
}

func TestResolverFailure(t *testing.T) {
	svc := New(nil)
	err := svc.OpenDrawer(context.Background(), Target{Kind: "serial"})

	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestOpenClosesPriorBridgeToSameTarget(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	target := TCPPrinter("printer.local", 0)
	ctx := context.Background()

	first, err := svc.open(ctx, target)
	require.NoError(t, err)
	_, err = first.Write([]byte("first"))
	require.NoError(t, err)

	second, err := svc.open(ctx, target)
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("previous bridge still running")
	}
	assert.NoError(t, first.Err())
	_, err = first.Write([]byte("late"))
	assert.ErrorIs(t, err, bridge.ErrClosed)
	assert.True(t, svc.Active(target))

	// the preempted job cleaning up must not untrack the new bridge
	svc.forget(target.Key(), first)
	assert.True(t, svc.Active(target))

	require.NoError(t, second.Close())
	require.NoError(t, second.Wait(ctx))

	connector := fakes.get(target)
	require.Len(t, connector.transports, 2)
	assert.Equal(t, []byte("first"), connector.transports[0].Bytes())
	assert.True(t, connector.transports[0].closed)
}

func TestNewJobPreemptsStreamingJob(t *testing.T) {
	fakes := newFakeConnectors()
	fakes.delay = 2 * time.Millisecond
	svc := NewWithConnector(fakes.connect, nil)
	target := TCPPrinter("printer.local", 0)
	connector := fakes.get(target)

	payload := bytes.Repeat([]byte{0xaa}, 1<<20)
	copied := make(chan error, 1)
	go func() {
		_, err := svc.Copy(context.Background(), target, bytes.NewReader(payload))
		copied <- err
	}()

	// the streaming job is mid-transfer with its writer parked on a full queue
	require.Eventually(t, func() bool {
		transports := connector.all()
		return len(transports) == 1 && len(transports[0].Bytes()) > 0
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, svc.OpenDrawer(context.Background(), target))

	select {
	case err := <-copied:
		var herr *Error
		require.ErrorAs(t, err, &herr)
		assert.ErrorIs(t, err, bridge.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("streaming job did not end after being preempted")
	}

	transports := connector.all()
	require.Len(t, transports, 2)
	assert.True(t, transports[0].Closed())
	assert.Less(t, len(transports[0].Bytes()), len(payload))
	assert.Equal(t, []byte{escpos.ESC, 'p', 0, 25, 250}, transports[1].Bytes())
	assert.False(t, svc.Active(target))
}

func TestDistinctTargetsAreIndependent(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	ctx := context.Background()

	a, err := svc.open(ctx, TCPPrinter("a.local", 0))
	require.NoError(t, err)
	b, err := svc.open(ctx, TCPPrinter("b.local", 0))
	require.NoError(t, err)

	select {
	case <-a.Done():
		t.Fatal("bridge to a different target was closed")
	default:
	}

	require.NoError(t, svc.Close())
	require.NoError(t, a.Wait(ctx))
	require.NoError(t, b.Wait(ctx))
	assert.False(t, svc.Active(TCPPrinter("a.local", 0)))
}

func TestJobPermit(t *testing.T) {
	svc := New(nil)

	require.NoError(t, svc.Acquire(context.Background()))
	assert.False(t, svc.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := svc.Acquire(ctx)
	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	svc.Release()
	assert.True(t, svc.TryAcquire())
	svc.Release()
}

func TestConcurrentJobsWithPermit(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	target := TCPPrinter("printer.local", 0)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Acquire(context.Background()); err != nil {
				errs <- err
				return
			}
			defer svc.Release()
			errs <- svc.WriteRaw(context.Background(), target, []byte{byte(i)})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	connector := fakes.get(target)
	assert.Len(t, connector.transports, 4)
	for _, transport := range connector.transports {
		assert.Len(t, transport.Bytes(), 1)
		assert.True(t, transport.closed)
	}
}

func TestHostError(t *testing.T) {
	assert.NoError(t, hostError(nil))

	cause := errors.New("paper out")
	err := hostError(cause)
	assert.Equal(t, "paper out", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Same(t, err, hostError(err))

	wrapped := hostError(errors.Join(errors.New("outer"), err))
	var herr *Error
	require.ErrorAs(t, wrapped, &herr)
	assert.Equal(t, CodeError, herr.Code)
}

func TestCopy(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	target := TCPPrinter("printer.local", 0)

	payload := bytes.Repeat([]byte("0123456789"), 500)
	n, err := svc.Copy(context.Background(), target, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, fakes.get(target).last().Bytes())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestCopyReadError(t *testing.T) {
	fakes := newFakeConnectors()
	svc := NewWithConnector(fakes.connect, nil)
	target := TCPPrinter("printer.local", 0)

	_, err := svc.Copy(context.Background(), target, failingReader{})
	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Contains(t, herr.Message, "connection reset")
	assert.True(t, fakes.get(target).last().closed, "transport is closed after a read failure")
}
