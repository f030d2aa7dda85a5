package imaging

import (
	"errors"
	"fmt"
)

// RasterQuantum is the printer's raster line group; segment heights are
// multiples of it
const RasterQuantum = 24

const (
	DefaultMaxWidth  = 576
	DefaultMaxHeight = RasterQuantum
)

var ErrEmptyImage = errors.New("image has no pixels")

// ImageWriter is the serializer's image-write primitive, bound to a
// wrapper strategy and a bitonal algorithm by the caller
type ImageWriter interface {
	WriteSegment(segment Source) error
}

// Segmenter partitions an image into horizontal strips no taller than
// MaxHeight and no wider than MaxWidth
type Segmenter struct {
	MaxWidth  int
	MaxHeight int
}

// NewSegmenter normalizes maxHeight to a multiple of RasterQuantum, never
// below it. maxWidth is used as given.
func NewSegmenter(maxWidth, maxHeight int) Segmenter {
	if maxHeight < RasterQuantum {
		maxHeight = RasterQuantum
	}
	maxHeight -= maxHeight % RasterQuantum

	return Segmenter{
		MaxWidth:  maxWidth,
		MaxHeight: maxHeight,
	}
}

// DefaultSegmenter slices 576 dots wide, one raster group high
func DefaultSegmenter() Segmenter {
	return NewSegmenter(DefaultMaxWidth, DefaultMaxHeight)
}

// Slice cuts src into segments, top to bottom. Every segment starts at
// column 0 and spans min(MaxWidth, width) columns; all segments are
// MaxHeight rows except possibly the last one.
func (s Segmenter) Slice(src Source) ([]Source, error) {
	width, height := src.Width(), src.Height()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrEmptyImage, width, height)
	}
	if s.MaxWidth <= 0 || s.MaxHeight <= 0 {
		return nil, fmt.Errorf("invalid segment size %dx%d", s.MaxWidth, s.MaxHeight)
	}

	segments := make([]Source, 0, (height+s.MaxHeight-1)/s.MaxHeight)

	x, y := 0, 0
	xOffset, yOffset := s.MaxWidth, s.MaxHeight
	for {
		// keep every region inside the source
		if x > width-1 {
			x = width - 1
		}
		if x+xOffset > width {
			xOffset = width - x
		}
		if y > height-1 {
			y = height - 1
		}
		if y+yOffset > height {
			yOffset = height - y
		}

		segments = append(segments, src.SubImage(0, y, xOffset, yOffset))

		y += yOffset
		if y >= height {
			break
		}
	}

	return segments, nil
}

// Write slices src and hands each segment to w in order, stopping at the
// first error
func (s Segmenter) Write(w ImageWriter, src Source) error {
	segments, err := s.Slice(src)
	if err != nil {
		return err
	}

	for i, segment := range segments {
		if err := w.WriteSegment(segment); err != nil {
			return fmt.Errorf("failed to write segment %d/%d: %w", i+1, len(segments), err)
		}
	}
	return nil
}
