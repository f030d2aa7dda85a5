package imaging

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(y), G: uint8(x), B: uint8(x + y), A: 255})
		}
	}
	return img
}

func TestNewSegmenterNormalizesHeight(t *testing.T) {
	testCases := []struct {
		in, want int
	}{
		{0, 24},
		{10, 24},
		{24, 24},
		{25, 24},
		{47, 24},
		{48, 48},
		{50, 48},
		{1000, 984},
	}

	for _, tc := range testCases {
		s := NewSegmenter(576, tc.in)
		assert.Equal(t, tc.want, s.MaxHeight, "maxHeight %d", tc.in)
		assert.Equal(t, 576, s.MaxWidth)
	}

	// normalizing an already normalized height changes nothing
	s := NewSegmenter(576, 50)
	assert.Equal(t, s, NewSegmenter(s.MaxWidth, s.MaxHeight))
}

func TestSliceHundredRows(t *testing.T) {
	src := FromImage(gradient(40, 100))
	segments, err := NewSegmenter(576, 24).Slice(src)
	require.NoError(t, err)
	require.Len(t, segments, 5)

	wantHeights := []int{24, 24, 24, 24, 4}
	for i, seg := range segments {
		assert.Equal(t, wantHeights[i], seg.Height(), "segment %d", i)
		assert.Equal(t, 40, seg.Width(), "segment %d", i)
		// first row of segment i is source row 24*i
		assert.Equal(t, src.RGB(0, 24*i), seg.RGB(0, 0), "segment %d", i)
	}
}

func TestSliceSegmentCount(t *testing.T) {
	for _, maxHeight := range []int{24, 48, 72} {
		for height := 1; height <= 200; height++ {
			segments, err := NewSegmenter(16, maxHeight).Slice(FromImage(gradient(8, height)))
			require.NoError(t, err)

			want := (height + maxHeight - 1) / maxHeight
			require.Len(t, segments, want, "height %d maxHeight %d", height, maxHeight)

			total := 0
			for i, seg := range segments {
				if i < len(segments)-1 {
					assert.Equal(t, maxHeight, seg.Height())
				}
				assert.Positive(t, seg.Height())
				assert.LessOrEqual(t, seg.Height(), maxHeight)
				total += seg.Height()
			}
			assert.Equal(t, height, total, "height %d maxHeight %d", height, maxHeight)
		}
	}
}

func TestSliceCoversSourceExactly(t *testing.T) {
	for _, height := range []int{1, 23, 24, 25, 47, 48, 49, 97} {
		src := FromImage(gradient(12, height))
		segments, err := NewSegmenter(12, 24).Slice(src)
		require.NoError(t, err)

		row := 0
		for _, seg := range segments {
			for y := 0; y < seg.Height(); y++ {
				for x := 0; x < seg.Width(); x++ {
					require.Equal(t, src.RGB(x, row), seg.RGB(x, y), "height %d row %d col %d", height, row, x)
				}
				row++
			}
		}
		assert.Equal(t, height, row, "rows reassembled for height %d", height)
	}
}

func TestSliceClampsWidth(t *testing.T) {
	src := FromImage(gradient(100, 30))
	segments, err := NewSegmenter(64, 24).Slice(src)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	for _, seg := range segments {
		assert.Equal(t, 64, seg.Width())
	}
	assert.Equal(t, src.RGB(63, 29), segments[1].RGB(63, 5))
}

func TestSliceEmptyImage(t *testing.T) {
	_, err := DefaultSegmenter().Slice(FromImage(image.NewRGBA(image.Rect(0, 0, 10, 0))))
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, err = DefaultSegmenter().Slice(FromImage(image.NewRGBA(image.Rect(0, 0, 0, 10))))
	assert.ErrorIs(t, err, ErrEmptyImage)
}

type recordingWriter struct {
	heights []int
	failAt  int
}

func (w *recordingWriter) WriteSegment(seg Source) error {
	if w.failAt > 0 && len(w.heights)+1 == w.failAt {
		return errors.New("printer offline")
	}
	w.heights = append(w.heights, seg.Height())
	return nil
}

func TestSegmenterWrite(t *testing.T) {
	w := &recordingWriter{}
	require.NoError(t, NewSegmenter(576, 48).Write(w, FromImage(gradient(10, 100))))
	assert.Equal(t, []int{48, 48, 4}, w.heights)
}

func TestSegmenterWriteStopsOnError(t *testing.T) {
	w := &recordingWriter{failAt: 2}
	err := NewSegmenter(576, 24).Write(w, FromImage(gradient(10, 100)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment 2/5")
	assert.Equal(t, []int{24}, w.heights)
}
