package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/faceengine/internal/native"
)

// noisePNG encodes a w x h image of random pixels, so it never compresses below MinSize.
// Pixel (0,0) is pure red.
func noisePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.RGBA{R: 0xff, A: 0xff})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestTargetSize(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"untouched", 640, 480, 640, 480},
		{"trim width", 642, 480, 640, 480},
		{"landscape", 3072, 1536, 1536, 768},
		{"portrait", 1024, 3072, 512, 1536},
		{"scale then trim", 1026, 2048, 768, 1536},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := TargetSize(tt.w, tt.h)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
			assert.Zero(t, w%4)
			assert.LessOrEqual(t, w, MaxEdge)
			assert.LessOrEqual(t, h, MaxEdge)
		})
	}
}

func TestDecodeNormalizes(t *testing.T) {
	data := noisePNG(t, 102, 60)
	img, err := Decode("face.png", data)
	require.NoError(t, err)

	assert.Equal(t, "face.png", img.Source)
	assert.Equal(t, 100, img.Info.Width)
	assert.Equal(t, 60, img.Info.Height)
	assert.Equal(t, native.PixelBGR24, img.Info.Format)
	assert.Len(t, img.Info.Pixels, 3*100*60)
	assert.NotEmpty(t, img.Info.Encoded)

	gray := img.Gray()
	assert.Equal(t, native.PixelGray, gray.Format)
	assert.Len(t, gray.Pixels, 100*60)
}

func TestDecodeKeepsPixelsWhenNoScaling(t *testing.T) {
	img, err := Decode("face.png", noisePNG(t, 64, 64))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0xff}, img.Info.Pixels[:3], "pixels are stored blue, green, red")
}

func TestDecodeRejects(t *testing.T) {
	var sizeErr *SizeError
	_, err := Decode("empty", nil)
	assert.ErrorAs(t, err, &sizeErr)

	_, err = Decode("tiny", make([]byte, MinSize-1))
	assert.ErrorAs(t, err, &sizeErr)

	_, err = Decode("huge", make([]byte, MaxSize+1))
	assert.ErrorAs(t, err, &sizeErr)

	var formatErr *FormatError
	_, err = Decode("junk", bytes.Repeat([]byte("x"), 4*MinSize))
	assert.ErrorAs(t, err, &formatErr)
}

func TestLoadPath(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "alice.png")
	require.NoError(t, os.WriteFile(good, noisePNG(t, 40, 40), 0o644))

	img, err := Load(PathInput(good))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Info.Width)
	assert.Equal(t, "alice", FaceID(img.Source))

	bad := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(bad, []byte("hello"), 0o644))
	var formatErr *FormatError
	_, err = Load(PathInput(bad))
	require.ErrorAs(t, err, &formatErr)
	assert.Equal(t, "txt", formatErr.Format)

	_, err = Load(PathInput(filepath.Join(dir, "missing.jpg")))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadStream(t *testing.T) {
	img, err := Load(Stream(bytes.NewReader(noisePNG(t, 32, 32)), "bob.png"))
	require.NoError(t, err)
	assert.Equal(t, "bob.png", img.Source)

	anon := Stream(bytes.NewReader(nil), "  ")
	assert.NotEmpty(t, anon.Source())
	assert.NotEqual(t, anon.Source(), Stream(nil, "").Source())

	_, err = Load(Stream(nil, "nothing"))
	assert.Error(t, err)
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("a/b/C.JPG"))
	assert.True(t, IsImageFile("x.bmp"))
	assert.False(t, IsImageFile("x.gif"))
	assert.False(t, IsImageFile("noext"))
}
