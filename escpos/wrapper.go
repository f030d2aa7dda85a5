package escpos

// ImageWrapper chooses the on-wire image encoding
type ImageWrapper interface {
	// Encode returns the complete command sequence that prints img
	Encode(img *Image) []byte
}

// graphicsMaxRows is the tallest block a single GS 8 L store accepts
const graphicsMaxRows = 1662

// RasterBitImage encodes with GS v 0 (print raster bit image)
type RasterBitImage struct{}

func (RasterBitImage) Encode(img *Image) []byte {
	stride := img.bytesPerRow()
	height := img.Height()

	out := make([]byte, 0, 8+stride*height)
	out = append(out, GS, 'v', '0', 0,
		byte(stride), byte(stride>>8),
		byte(height), byte(height>>8),
	)
	return append(out, img.raster(0, height)...)
}

// BitImage encodes with ESC * in 24-dot double density bands, one line
// feed per band
type BitImage struct{}

func (BitImage) Encode(img *Image) []byte {
	width := img.Width()

	// line spacing = band height so bands abut
	out := []byte{ESC, '3', 24}
	for y := 0; y < img.Height(); y += 24 {
		out = append(out, ESC, '*', 33, byte(width), byte(width>>8))
		for x := 0; x < width; x++ {
			col := img.column24(x, y)
			out = append(out, col[:]...)
		}
		out = append(out, LF)
	}
	return append(out, ESC, '2')
}

// Graphics encodes with GS 8 L (store raster graphics) followed by
// GS ( L (print buffered graphics), split into blocks of at most 1662 rows
type Graphics struct{}

func (Graphics) Encode(img *Image) []byte {
	width, height := img.Width(), img.Height()
	stride := img.bytesPerRow()

	var out []byte
	for y := 0; y < height; {
		rows := min(graphicsMaxRows, height-y)
		size := 10 + rows*stride

		out = append(out,
			GS, '8', 'L',
			byte(size), byte(size>>8), byte(size>>16), byte(size>>24),
			0x30, 0x70, 0x30, // function 112
			0x01, 0x01, // zoom bx, by
			0x31, // single color
			byte(width), byte(width>>8),
			byte(rows), byte(rows>>8),
		)
		out = append(out, img.raster(y, rows)...)
		out = append(out, GS, '(', 'L', 0x02, 0x00, 0x30, 0x32) // function 50

		y += rows
	}
	return out
}
