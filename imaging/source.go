package imaging

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Source is the raster abstraction the segmenter and the command
// serializer work on
type Source interface {
	Width() int
	Height() int
	// SubImage returns the w×h region whose top-left corner is (x, y)
	SubImage(x, y, w, h int) Source
	// RGB returns the pixel at (x, y) as 0xAARRGGBB
	RGB(x, y int) uint32
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// imageSource adapts an image.Image. Coordinates are relative to the
// image's bounds.
type imageSource struct {
	img image.Image
}

// FromImage wraps img as a Source
func FromImage(img image.Image) Source {
	return &imageSource{img: img}
}

func (s *imageSource) Width() int {
	return s.img.Bounds().Dx()
}

func (s *imageSource) Height() int {
	return s.img.Bounds().Dy()
}

func (s *imageSource) SubImage(x, y, w, h int) Source {
	min := s.img.Bounds().Min
	r := image.Rect(min.X+x, min.Y+y, min.X+x+w, min.Y+y+h).Intersect(s.img.Bounds())

	if si, ok := s.img.(subImager); ok {
		return &imageSource{img: si.SubImage(r)}
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(dst, image.Point{}, s.img, r, draw.Src, nil)
	return &imageSource{img: dst}
}

func (s *imageSource) RGB(x, y int) uint32 {
	min := s.img.Bounds().Min
	c := color.NRGBAModel.Convert(s.img.At(min.X+x, min.Y+y)).(color.NRGBA)
	return uint32(c.A)<<24 | uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

// ToImage exposes a Source through the standard image interface.
// Sources created by FromImage return their backing image.
func ToImage(src Source) image.Image {
	if s, ok := src.(*imageSource); ok {
		return s.img
	}
	return &sourceImage{src: src}
}

type sourceImage struct {
	src Source
}

func (s *sourceImage) ColorModel() color.Model {
	return color.NRGBAModel
}

func (s *sourceImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, s.src.Width(), s.src.Height())
}

func (s *sourceImage) At(x, y int) color.Color {
	argb := s.src.RGB(x, y)
	return color.NRGBA{
		R: uint8(argb >> 16),
		G: uint8(argb >> 8),
		B: uint8(argb),
		A: uint8(argb >> 24),
	}
}

// Luminance returns the perceived brightness (0 black .. 255 white) of an
// 0xAARRGGBB pixel. Transparent pixels count as white paper.
func Luminance(argb uint32) uint8 {
	a := argb >> 24
	r := (argb >> 16) & 0xff
	g := (argb >> 8) & 0xff
	b := argb & 0xff

	gray := (299*r + 587*g + 114*b) / 1000
	// blend over white
	return uint8((gray*a + 255*(255-a)) / 255)
}
