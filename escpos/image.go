package escpos

import (
	"image"
	"image/color"

	"github.com/makeworld-the-better-one/dither/v2"
	"golang.org/x/image/draw"

	"github.com/nixxel-company-limited/escpos-bridge/imaging"
)

// Image is a black/white dot matrix ready to be wrapped in an image command
type Image struct {
	width  int
	height int
	dots   []bool // row-major, true prints a dot
}

// NewImage reduces src to dots with algorithm; nil means the default
// Threshold
func NewImage(src imaging.Source, algorithm Bitonal) *Image {
	if algorithm == nil {
		algorithm = Threshold{}
	}
	return &Image{
		width:  src.Width(),
		height: src.Height(),
		dots:   algorithm.Dots(src),
	}
}

func (i *Image) Width() int {
	return i.width
}

func (i *Image) Height() int {
	return i.height
}

// Dot reports whether (x, y) prints. Coordinates outside the image are
// blank.
func (i *Image) Dot(x, y int) bool {
	if x < 0 || y < 0 || x >= i.width || y >= i.height {
		return false
	}
	return i.dots[y*i.width+x]
}

// bytesPerRow is the raster row stride, 8 dots per byte
func (i *Image) bytesPerRow() int {
	return (i.width + 7) / 8
}

// raster packs rows [y0, y0+rows) MSB first, left to right
func (i *Image) raster(y0, rows int) []byte {
	stride := i.bytesPerRow()
	data := make([]byte, stride*rows)
	for y := 0; y < rows; y++ {
		for x := 0; x < i.width; x++ {
			if i.Dot(x, y0+y) {
				data[y*stride+x/8] |= 0x80 >> (x % 8)
			}
		}
	}
	return data
}

// column24 packs the 24 dots of column x starting at row y0, three bytes
// top to bottom, MSB first
func (i *Image) column24(x, y0 int) [3]byte {
	var col [3]byte
	for k := 0; k < 24; k++ {
		if i.Dot(x, y0+k) {
			col[k/8] |= 0x80 >> (k % 8)
		}
	}
	return col
}

// Bitonal reduces a source image to black/white dots
type Bitonal interface {
	// Dots returns width*height values in row-major order
	Dots(src imaging.Source) []bool
}

// Threshold prints every pixel darker than Level (default 127)
type Threshold struct {
	Level uint8
}

func (t Threshold) Dots(src imaging.Source) []bool {
	level := t.Level
	if level == 0 {
		level = 127
	}

	w, h := src.Width(), src.Height()
	dots := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dots[y*w+x] = imaging.Luminance(src.RGB(x, y)) < level
		}
	}
	return dots
}

// OrderedDither applies a 4x4 Bayer matrix
type OrderedDither struct{}

func (OrderedDither) Dots(src imaging.Source) []bool {
	d := dither.NewDitherer(bitonalPalette)
	d.Mapper = dither.Bayer(4, 4, 1.0)
	return ditherDots(d, src)
}

// ErrorDiffusion applies serpentine Floyd-Steinberg error diffusion
type ErrorDiffusion struct{}

func (ErrorDiffusion) Dots(src imaging.Source) []bool {
	d := dither.NewDitherer(bitonalPalette)
	d.Matrix = dither.FloydSteinberg
	d.Serpentine = true
	return ditherDots(d, src)
}

// index 0 prints
var bitonalPalette = []color.Color{color.Black, color.White}

func ditherDots(d *dither.Ditherer, src imaging.Source) []bool {
	w, h := src.Width(), src.Height()

	// transparent areas are paper
	flat := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(flat, flat.Bounds(), image.White, image.Point{}, draw.Src)
	img := imaging.ToImage(src)
	draw.Draw(flat, flat.Bounds(), img, img.Bounds().Min, draw.Over)

	paletted := d.DitherPaletted(flat)
	min := paletted.Bounds().Min

	dots := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dots[y*w+x] = paletted.ColorIndexAt(min.X+x, min.Y+y) == 0
		}
	}
	return dots
}
