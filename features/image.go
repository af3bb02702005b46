// Package features defines the visual feature extractor contract consumed by
// the decoder, plus the image preprocessing that feeds it.
package features

import (
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"gorgonia.org/tensor"
)

// Channels is the number of color channels every preprocessed image carries.
const Channels = 3

// ImageConfig controls preprocessing. Mean and Std are per-channel (RGB),
// applied after rescaling pixels to [0, 1].
type ImageConfig struct {
	Size int // square side after crop and resize
	Mean [3]float32
	Std  [3]float32
}

// DefaultImageConfig matches the normalization the usual pretrained backbones
// expect (ImageNet statistics, 224×224 input).
func DefaultImageConfig() ImageConfig {
	return ImageConfig{
		Size: 224,
		Mean: [3]float32{0.485, 0.456, 0.406},
		Std:  [3]float32{0.229, 0.224, 0.225},
	}
}

// ImageProcessor decodes images and converts them to channel-normalized CHW
// float32 tensors of a fixed spatial size.
type ImageProcessor struct {
	cfg ImageConfig
}

// NewImageProcessor creates a processor for the given configuration.
func NewImageProcessor(cfg ImageConfig) *ImageProcessor {
	if cfg.Size <= 0 {
		cfg = DefaultImageConfig()
	}
	return &ImageProcessor{cfg: cfg}
}

// Size returns the square side of processed outputs.
func (p *ImageProcessor) Size() int {
	return p.cfg.Size
}

// ProcessFile decodes and preprocesses the image at path. A missing or
// undecodable file is a hard error; skip-versus-abort is the caller's call.
func (p *ImageProcessor) ProcessFile(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image %s: %w", path, err)
	}
	defer f.Close()
	t, err := p.ProcessReader(f)
	if err != nil {
		return nil, fmt.Errorf("processing image %s: %w", path, err)
	}
	return t, nil
}

// ProcessReader decodes and preprocesses an image from r.
func (p *ImageProcessor) ProcessReader(r io.Reader) (*tensor.Dense, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return p.Process(img), nil
}

// Process center-crops to square, resizes to Size×Size, and returns a
// [Channels, Size, Size] float32 tensor normalized with the configured
// per-channel mean and std.
func (p *ImageProcessor) Process(img image.Image) *tensor.Dense {
	img = centerCropSquare(img)

	size := p.cfg.Size
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	pixels := make([]float32, Channels*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := dst.At(x, y).RGBA()
			rf := float32(r>>8) / 255
			gf := float32(g>>8) / 255
			bf := float32(b>>8) / 255
			pixels[0*plane+y*size+x] = (rf - p.cfg.Mean[0]) / p.cfg.Std[0]
			pixels[1*plane+y*size+x] = (gf - p.cfg.Mean[1]) / p.cfg.Std[1]
			pixels[2*plane+y*size+x] = (bf - p.cfg.Mean[2]) / p.cfg.Std[2]
		}
	}

	return tensor.New(
		tensor.WithShape(Channels, size, size),
		tensor.WithBacking(pixels),
	)
}

// centerCropSquare crops the largest centered square out of img.
func centerCropSquare(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == h {
		return img
	}
	side := w
	if h < side {
		side = h
	}
	left := bounds.Min.X + (w-side)/2
	top := bounds.Min.Y + (h-side)/2

	cropped := image.NewRGBA(image.Rect(0, 0, side, side))
	xdraw.Copy(cropped, image.Point{}, img, image.Rect(left, top, left+side, top+side), xdraw.Src, nil)
	return cropped
}
