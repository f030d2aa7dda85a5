// Package escpos serializes ESC/POS commands into any byte sink.
//
// Methods chain and keep the first error, the way a bufio.Writer does:
//
//	p := escpos.New(w)
//	p.Initialize().WriteImage(escpos.RasterBitImage{}, img).Feed(5).Cut(escpos.CutFull)
//	err := p.Close()
package escpos

import (
	"io"

	"github.com/nixxel-company-limited/escpos-bridge/imaging"
)

// Control characters
const (
	LF  = 0x0a
	ESC = 0x1b
	GS  = 0x1d
)

// CutMode selects the paper cut
type CutMode byte

const (
	CutFull    CutMode = '0'
	CutPartial CutMode = '1'
)

// Drawer kick-out connector pins
const (
	DrawerPin2 = 0
	DrawerPin5 = 1
)

// Printer writes commands to a sink
type Printer struct {
	w   io.Writer
	err error
}

// New creates a Printer writing to w
func New(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Err returns the first error encountered
func (p *Printer) Err() error {
	return p.err
}

// WriteRaw sends bytes as they are
func (p *Printer) WriteRaw(data []byte) *Printer {
	if p.err != nil || len(data) == 0 {
		return p
	}
	_, p.err = p.w.Write(data)
	return p
}

// Initialize resets the printer (ESC @)
func (p *Printer) Initialize() *Printer {
	return p.WriteRaw([]byte{ESC, '@'})
}

// Feed prints the buffer and feeds n lines (ESC d n)
func (p *Printer) Feed(lines int) *Printer {
	lines = max(0, min(lines, 255))
	return p.WriteRaw([]byte{ESC, 'd', byte(lines)})
}

// Cut cuts the paper (GS V m)
func (p *Printer) Cut(mode CutMode) *Printer {
	return p.WriteRaw([]byte{GS, 'V', byte(mode)})
}

// Pulse drives the cash drawer kick-out connector (ESC p m t1 t2).
// on and off are in units of 2 ms.
func (p *Printer) Pulse(pin int, on, off byte) *Printer {
	return p.WriteRaw([]byte{ESC, 'p', byte(pin), on, off})
}

// WriteImage prints img encoded by wrapper
func (p *Printer) WriteImage(wrapper ImageWrapper, img *Image) *Printer {
	if wrapper == nil {
		wrapper = RasterBitImage{}
	}
	return p.WriteRaw(wrapper.Encode(img))
}

// WriteSegmented slices src with s and prints the segments in order
func (p *Printer) WriteSegmented(s imaging.Segmenter, src imaging.Source, wrapper ImageWrapper, algorithm Bitonal) *Printer {
	if p.err != nil {
		return p
	}
	if err := s.Write(p.SegmentWriter(wrapper, algorithm), src); err != nil && p.err == nil {
		p.err = err
	}
	return p
}

// SegmentWriter binds a wrapper and a bitonal algorithm to the printer's
// image-write primitive
func (p *Printer) SegmentWriter(wrapper ImageWrapper, algorithm Bitonal) imaging.ImageWriter {
	return &segmentWriter{p: p, wrapper: wrapper, algorithm: algorithm}
}

type segmentWriter struct {
	p         *Printer
	wrapper   ImageWrapper
	algorithm Bitonal
}

func (s *segmentWriter) WriteSegment(segment imaging.Source) error {
	return s.p.WriteImage(s.wrapper, NewImage(segment, s.algorithm)).Err()
}

// Close closes the sink when it is an io.Closer. It returns the first
// error from the command chain or from closing.
func (p *Printer) Close() error {
	var closeErr error
	if c, ok := p.w.(io.Closer); ok {
		closeErr = c.Close()
	}
	if p.err != nil {
		return p.err
	}
	return closeErr
}
