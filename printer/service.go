// Package printer is the host-facing side of the bridge: it resolves a
// target to a connector, opens a Stream Bridge, drives the ESC/POS
// serializer over it and reports the outcome as an *Error.
package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nixxel-company-limited/escpos-bridge/adapter"
	"github.com/nixxel-company-limited/escpos-bridge/bridge"
	"github.com/nixxel-company-limited/escpos-bridge/escpos"
	"github.com/nixxel-company-limited/escpos-bridge/imaging"
)

const (
	// DefaultFeed is the number of lines fed after an image
	DefaultFeed = 5

	// drawer kick timing, in units of 2 ms
	drawerOnTime  = 25
	drawerOffTime = 250
)

// ConnectorFunc resolves a target to a connector
type ConnectorFunc func(Target) (adapter.Connector, error)

// Request describes one image print job
type Request struct {
	Target Target
	Image  imaging.Source

	// nil means escpos.RasterBitImage and escpos.Threshold
	Wrapper escpos.ImageWrapper
	Bitonal escpos.Bitonal

	// zero means the imaging defaults. Images wider than MaxWidth are
	// scaled down to it, keeping the aspect ratio.
	MaxWidth  int
	MaxHeight int

	// Feed lines after the image; zero means DefaultFeed, negative none
	Feed int
	// Cut defaults to escpos.CutFull unless NoCut is set
	Cut   escpos.CutMode
	NoCut bool
}

// Service runs print jobs. At most one bridge per target is active; opening
// a new one closes the previous bridge to the same device.
type Service struct {
	connect ConnectorFunc
	logger  *zap.Logger
	permit  *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*bridge.Bridge
}

// New creates a service that connects with Target.Connector
func New(logger *zap.Logger) *Service {
	return NewWithConnector(Target.Connector, logger)
}

// NewWithConnector creates a service with a custom connector resolver
func NewWithConnector(connect ConnectorFunc, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		connect: connect,
		logger:  logger,
		permit:  semaphore.NewWeighted(1),
		active:  make(map[string]*bridge.Bridge),
	}
}

// Acquire takes the job permit, blocking until it is free or ctx is done.
// The service does not take the permit itself; hosts use it to serialize
// their own print calls.
func (s *Service) Acquire(ctx context.Context) error {
	if err := s.permit.Acquire(ctx, 1); err != nil {
		return hostError(err)
	}
	return nil
}

// TryAcquire takes the job permit if it is free
func (s *Service) TryAcquire() bool {
	return s.permit.TryAcquire(1)
}

// Release returns the job permit
func (s *Service) Release() {
	s.permit.Release(1)
}

// PrintImage slices req.Image, writes every segment, then feeds and cuts.
// It returns once the transport has been closed.
func (s *Service) PrintImage(ctx context.Context, req Request) error {
	if req.Image == nil {
		return hostError(ErrNoImage)
	}
	if w, h := req.Image.Width(), req.Image.Height(); w <= 0 || h <= 0 {
		return hostError(fmt.Errorf("%w: %dx%d", imaging.ErrEmptyImage, w, h))
	}

	maxWidth, maxHeight := req.MaxWidth, req.MaxHeight
	if maxWidth <= 0 {
		maxWidth = imaging.DefaultMaxWidth
	}
	if maxHeight <= 0 {
		maxHeight = imaging.DefaultMaxHeight
	}
	segmenter := imaging.NewSegmenter(maxWidth, maxHeight)

	src := req.Image
	if src.Width() > maxWidth {
		src = imaging.FromImage(imaging.ScaleToWidth(imaging.ToImage(src), maxWidth))
		s.logger.Debug("Scaled image to the printable width",
			zap.Int("width", req.Image.Width()),
			zap.Int("scaled", maxWidth),
		)
	}

	feed := req.Feed
	if feed == 0 {
		feed = DefaultFeed
	}
	cut := req.Cut
	if cut == 0 {
		cut = escpos.CutFull
	}

	return s.run(ctx, req.Target, func(p *escpos.Printer) {
		p.WriteSegmented(segmenter, src, req.Wrapper, req.Bitonal)
		if feed > 0 {
			p.Feed(feed)
		}
		if !req.NoCut {
			p.Cut(cut)
		}
	})
}

// OpenDrawer pulses the cash drawer connected to pin 2
func (s *Service) OpenDrawer(ctx context.Context, target Target) error {
	return s.OpenDrawerPin(ctx, target, escpos.DrawerPin2)
}

// OpenDrawerPin pulses the drawer on escpos.DrawerPin2 or escpos.DrawerPin5
func (s *Service) OpenDrawerPin(ctx context.Context, target Target, pin int) error {
	if pin != escpos.DrawerPin2 && pin != escpos.DrawerPin5 {
		return hostError(fmt.Errorf("%w: %d", ErrInvalidPin, pin))
	}
	return s.run(ctx, target, func(p *escpos.Printer) {
		p.Pulse(pin, drawerOnTime, drawerOffTime)
	})
}

// WriteRaw sends pre-encoded command bytes
func (s *Service) WriteRaw(ctx context.Context, target Target, data []byte) error {
	return s.run(ctx, target, func(p *escpos.Printer) {
		p.WriteRaw(data)
	})
}

// Copy streams r to the printer until EOF and returns the number of bytes
// read from r
func (s *Service) Copy(ctx context.Context, target Target, r io.Reader) (int64, error) {
	b, err := s.open(ctx, target)
	if err != nil {
		return 0, hostError(err)
	}
	defer s.forget(target.Key(), b)

	n, copyErr := io.Copy(b, r)
	return n, s.finish(ctx, target, b, copyErr)
}

// run opens a bridge, lets job write into it, closes it and waits for the
// worker's result
func (s *Service) run(ctx context.Context, target Target, job func(p *escpos.Printer)) error {
	b, err := s.open(ctx, target)
	if err != nil {
		return hostError(err)
	}
	defer s.forget(target.Key(), b)

	p := escpos.New(b)
	job(p)
	return s.finish(ctx, target, b, p.Err())
}

// finish closes b and waits for the worker. The worker's error takes
// precedence over writeErr.
func (s *Service) finish(ctx context.Context, target Target, b *bridge.Bridge, writeErr error) error {
	// a bridge preempted by a newer job is already closed
	if err := b.Close(); err != nil && !errors.Is(err, bridge.ErrClosed) {
		return hostError(err)
	}

	err := b.Wait(ctx)
	if err == nil {
		err = writeErr
	}
	if err != nil {
		s.logger.Warn("Print job failed",
			zap.String("bridge", b.ID()),
			zap.String("target", target.Key()),
			zap.Error(err),
		)
	}
	return hostError(err)
}

// open starts a bridge to target, closing any bridge still active for the
// same device first
func (s *Service) open(ctx context.Context, target Target) (*bridge.Bridge, error) {
	connector, err := s.connect(target)
	if err != nil {
		return nil, err
	}

	b := bridge.NewWithLogger(connector, s.logger)
	key := target.Key()

	s.mu.Lock()
	prior := s.active[key]
	s.active[key] = b
	s.mu.Unlock()

	if prior != nil {
		s.logger.Info("Closing previous bridge",
			zap.String("bridge", prior.ID()),
			zap.String("target", key),
		)
		if err := prior.Close(); err != nil && !errors.Is(err, bridge.ErrClosed) {
			s.logger.Warn("Failed to close previous bridge", zap.Error(err))
		}
		// the device must be released before it is claimed again
		if err := prior.Wait(ctx); err != nil && ctx.Err() != nil {
			s.forget(key, b)
			return nil, err
		}
	}

	if err := b.Open(ctx, nil); err != nil {
		s.forget(key, b)
		return nil, err
	}
	return b, nil
}

// forget drops b from the active set unless a newer bridge replaced it
func (s *Service) forget(key string, b *bridge.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active[key] == b {
		delete(s.active, key)
	}
}

// Active reports whether a bridge to target is currently tracked
func (s *Service) Active(target Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.active[target.Key()]
	return ok
}

// Close closes every tracked bridge without waiting for them
func (s *Service) Close() error {
	s.mu.Lock()
	bridges := make([]*bridge.Bridge, 0, len(s.active))
	for key, b := range s.active {
		bridges = append(bridges, b)
		delete(s.active, key)
	}
	s.mu.Unlock()

	var errs []error
	for _, b := range bridges {
		if err := b.Close(); err != nil && !errors.Is(err, bridge.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
