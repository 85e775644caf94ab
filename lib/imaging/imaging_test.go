// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"testing"

	"github.com/antflydb/captioner/lib/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 128, A: 255})
		}
	}
	return img
}

func encode(t *testing.T, enc func(io.Writer, image.Image) error, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, enc(&buf, img))
	return buf.Bytes()
}

func TestDecode_PreservesDimensions(t *testing.T) {
	src := testImage(17, 9)

	tests := []struct {
		name   string
		data   []byte
		format string
	}{
		{"png", encode(t, png.Encode, src), "png"},
		{"jpeg", encode(t, func(w io.Writer, m image.Image) error { return jpeg.Encode(w, m, nil) }, src), "jpeg"},
		{"gif", encode(t, func(w io.Writer, m image.Image) error { return gif.Encode(w, m, nil) }, src), "gif"},
		{"bmp", encode(t, bmp.Encode, src), "bmp"},
		{"tiff", encode(t, func(w io.Writer, m image.Image) error { return tiff.Encode(w, m, nil) }, src), "tiff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Decode(tt.data)
			require.NoError(t, err)
			assert.Equal(t, 17, img.Width)
			assert.Equal(t, 9, img.Height)
			assert.Equal(t, tt.format, img.Format)
			assert.Equal(t, image.Rect(0, 0, 17, 9), img.Image.Bounds())
		})
	}
}

func TestDecode_RejectsNonImages(t *testing.T) {
	valid := encode(t, png.Encode, testImage(8, 8))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"text", []byte("definitely not an image, just some words")},
		{"json", []byte(`{"image": "cat.png"}`)},
		{"truncated png", valid[:len(valid)/2]},
		{"png header only", valid[:8]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Decode(tt.data)
			require.Error(t, err)
			assert.Nil(t, img)

			var invalidErr *InvalidImageError
			require.True(t, errors.As(err, &invalidErr), "got %T", err)
			assert.NotEmpty(t, invalidErr.Message)
		})
	}
}

func TestDecode_DropsAlphaWithoutPremultiplying(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 200, G: 100, B: 50, A: 0})
	src.SetNRGBA(1, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 128})

	img, err := Decode(encode(t, png.Encode, src))
	require.NoError(t, err)

	assert.Equal(t, color.RGBA{R: 200, G: 100, B: 50, A: 255}, img.Image.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, img.Image.RGBAAt(1, 0))
}

func TestIsSupportedMIME(t *testing.T) {
	assert.True(t, IsSupportedMIME("image/png"))
	assert.True(t, IsSupportedMIME("image/webp"))
	assert.True(t, IsSupportedMIME("image/jpeg; charset=binary"))
	assert.False(t, IsSupportedMIME("text/plain; charset=utf-8"))
	assert.False(t, IsSupportedMIME("application/pdf"))
}

func TestImageProcessor_PixelValues(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 10, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 10; x++ {
			src.SetRGBA(x, y, color.RGBA{R: 255, G: 0, B: 51, A: 255})
		}
	}
	img := &DecodedImage{Image: src, Width: 10, Height: 6}

	p := NewImageProcessor(&ImageConfig{
		Width:         4,
		Height:        4,
		Mean:          [3]float32{0.5, 0.5, 0.5},
		Std:           [3]float32{0.5, 0.5, 0.5},
		RescaleFactor: 1.0 / 255.0,
	})

	px := p.PixelValues(img)
	assert.Equal(t, "pixel_values", px.Name)
	assert.Equal(t, []int64{1, 3, 4, 4}, px.Shape)
	assert.Equal(t, tensors.KindFloat, px.Kind())
	assert.Equal(t, tensors.PrecisionFP32, px.Precision)

	data := px.Data.([]float32)
	require.Len(t, data, 3*4*4)
	// A solid image stays solid after resampling, up to one intensity step.
	const step = 3.0 / 255.0
	for i := 0; i < 16; i++ {
		assert.InDelta(t, 1.0, data[i], step)
		assert.InDelta(t, -1.0, data[16+i], step)
		assert.InDelta(t, -0.6, data[32+i], step)
	}
}

func TestImageProcessor_Defaults(t *testing.T) {
	p := NewImageProcessor(nil)
	assert.Equal(t, 768, p.Config.Width)
	assert.Equal(t, 768, p.Config.Height)

	px := p.PixelValues(&DecodedImage{Image: testImage(3, 5), Width: 3, Height: 5})
	assert.Equal(t, []int64{1, 3, 768, 768}, px.Shape)
	assert.Equal(t, 3*768*768, px.Len())
}

func TestImageProcessor_ResizeIsCatmullRom(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 9, 7))
	for y := 0; y < 7; y++ {
		for x := 0; x < 9; x++ {
			if (x+y)%2 == 0 {
				src.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			} else {
				src.SetRGBA(x, y, color.RGBA{A: 255})
			}
		}
	}
	p := NewImageProcessor(&ImageConfig{Width: 5, Height: 4})
	got := p.resize(src)

	bicubic := image.NewRGBA(image.Rect(0, 0, 5, 4))
	draw.CatmullRom.Scale(bicubic, bicubic.Bounds(), src, src.Bounds(), draw.Src, nil)
	assert.Equal(t, bicubic.Pix, got.Pix)

	bilinear := image.NewRGBA(image.Rect(0, 0, 5, 4))
	draw.BiLinear.Scale(bilinear, bilinear.Bounds(), src, src.Bounds(), draw.Src, nil)
	assert.NotEqual(t, bilinear.Pix, got.Pix)
}
