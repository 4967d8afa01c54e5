// Package imaging verifies face images and normalizes them into the pixel buffers engines accept.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/andresmejia3/faceengine/internal/native"
)

const (
	// MinSize and MaxSize bound the encoded image size in bytes.
	MinSize = 2 << 10
	MaxSize = 10 << 20
	// MaxEdge is the longest edge an engine accepts; larger images are scaled down to fit.
	MaxEdge = 1536
)

// Formats lists the accepted encodings by the name image.Decode reports.
var Formats = []string{"jpeg", "png", "bmp"}

// Extensions lists the accepted file extensions.
var Extensions = []string{".jpeg", ".jpg", ".png", ".bmp"}

// Input is where an image comes from: a PathInput or a StreamInput.
type Input interface {
	// Source names the input in errors and as the default face id.
	Source() string
	open() (io.ReadCloser, error)
}

// PathInput is an image file on disk.
type PathInput string

func (p PathInput) Source() string { return string(p) }

func (p PathInput) open() (io.ReadCloser, error) {
	if !IsImageFile(string(p)) {
		return nil, &FormatError{Source: string(p), Format: strings.TrimPrefix(filepath.Ext(string(p)), ".")}
	}
	return os.Open(string(p))
}

// StreamInput is an image read from r.
type StreamInput struct {
	r    io.Reader
	name string
}

// Stream wraps r. A blank name is replaced by a random one.
func Stream(r io.Reader, name string) StreamInput {
	if strings.TrimSpace(name) == "" {
		name = uuid.NewString()
	}
	return StreamInput{r: r, name: name}
}

func (s StreamInput) Source() string { return s.name }

func (s StreamInput) open() (io.ReadCloser, error) {
	if s.r == nil {
		return nil, fmt.Errorf("%s: no image data", s.name)
	}
	return io.NopCloser(s.r), nil
}

// FormatError reports an encoding engines do not accept.
type FormatError struct {
	Source string
	Format string
}

func (e *FormatError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("%s: unsupported image type", e.Source)
	}
	return fmt.Sprintf("%s: unsupported image type %q", e.Source, e.Format)
}

// SizeError reports an image outside the accepted byte or pixel bounds.
type SizeError struct {
	Source string
	Size   int64
	Reason string
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Source, e.Reason, e.Size)
}

// Image is a verified, normalized image.
type Image struct {
	Source string
	Info   *native.ImageInfo

	rgba *image.RGBA
}

// Gray returns the image as an 8-bit grayscale buffer, for infrared liveness checks.
// Images not produced by Decode are returned unchanged.
func (im *Image) Gray() *native.ImageInfo {
	if im.rgba == nil {
		return im.Info
	}
	b := im.rgba.Bounds()
	pix := make([]byte, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := im.rgba.Pix[(y-b.Min.Y)*im.rgba.Stride:]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl := uint32(row[4*x]), uint32(row[4*x+1]), uint32(row[4*x+2])
			pix = append(pix, byte((299*r+587*g+114*bl+500)/1000))
		}
	}
	return &native.ImageInfo{
		Pixels:  pix,
		Width:   b.Dx(),
		Height:  b.Dy(),
		Format:  native.PixelGray,
		Encoded: im.Info.Encoded,
	}
}

// Load reads, verifies and normalizes in.
func Load(in Input) (*Image, error) {
	rc, err := in.open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%s: read image: %w", in.Source(), err)
	}
	return Decode(in.Source(), data)
}

// Decode verifies and normalizes an encoded image.
func Decode(source string, data []byte) (*Image, error) {
	switch n := int64(len(data)); {
	case n == 0:
		return nil, &SizeError{Source: source, Size: n, Reason: "image is empty"}
	case n > MaxSize:
		return nil, &SizeError{Source: source, Size: n, Reason: fmt.Sprintf("image is larger than %dB", MaxSize)}
	case n < MinSize:
		return nil, &SizeError{Source: source, Size: n, Reason: fmt.Sprintf("image is smaller than %dB", MinSize)}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &FormatError{Source: source}
	}
	if !slices.Contains(Formats, format) {
		return nil, &FormatError{Source: source, Format: format}
	}

	w, h := TargetSize(img.Bounds().Dx(), img.Bounds().Dy())
	if w < 4 || h < 1 {
		return nil, &SizeError{Source: source, Size: int64(img.Bounds().Dx()), Reason: "image is too narrow"}
	}
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == img.Bounds().Dx() && h == img.Bounds().Dy() {
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(rgba, rgba.Bounds(), img, img.Bounds(), draw.Src, nil)
	}

	var enc bytes.Buffer
	if err := jpeg.Encode(&enc, rgba, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("%s: encode image: %w", source, err)
	}

	return &Image{
		Source: source,
		Info: &native.ImageInfo{
			Pixels:  bgr(rgba),
			Width:   w,
			Height:  h,
			Format:  native.PixelBGR24,
			Encoded: enc.Bytes(),
		},
		rgba: rgba,
	}, nil
}

// TargetSize fits w x h into MaxEdge keeping the aspect ratio, then trims the width to a multiple of 4.
func TargetSize(w, h int) (int, int) {
	if w > MaxEdge || h > MaxEdge {
		scale := min(float64(MaxEdge)/float64(w), float64(MaxEdge)/float64(h))
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
	}
	return w - w%4, h
}

// IsImageFile reports whether path has an accepted image extension.
func IsImageFile(path string) bool {
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(path)))
}

// FaceID derives a face id from an image source: the file name without its extension.
func FaceID(source string) string {
	base := filepath.Base(source)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func bgr(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 0, 3*b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			out = append(out, row[4*x+2], row[4*x+1], row[4*x])
		}
	}
	return out
}
