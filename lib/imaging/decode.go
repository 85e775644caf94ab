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

// Package imaging validates uploaded image payloads, decodes them into RGB
// rasters and turns rasters into normalized pixel tensors.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// MaxPixels bounds the decoded raster size to guard against decompression
// bombs.
const MaxPixels = 178956970

// supportedMIMETypes are the image types with a registered decoder.
var supportedMIMETypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/bmp",
	"image/tiff",
	"image/webp",
}

// InvalidImageError reports a payload that could not be decoded as an image.
type InvalidImageError struct {
	Message string
	Err     error
}

func (e *InvalidImageError) Error() string {
	return e.Message
}

func (e *InvalidImageError) Unwrap() error {
	return e.Err
}

func invalid(err error, format string, args ...any) *InvalidImageError {
	return &InvalidImageError{Message: fmt.Sprintf(format, args...), Err: err}
}

// DecodedImage is an RGB raster with its original pixel dimensions.
type DecodedImage struct {
	Image  *image.RGBA
	Width  int
	Height int
	// Format is the codec name reported by image.Decode (png, jpeg, ...).
	Format string
	// MIME is the sniffed content type of the payload.
	MIME string
}

// Decode validates and decodes an image payload into RGB. Every failure,
// including a panic inside a codec, is reported as *InvalidImageError.
func Decode(data []byte) (img *DecodedImage, err error) {
	if len(data) == 0 {
		return nil, invalid(nil, "cannot identify image file: empty payload")
	}

	mime := mimetype.Detect(data)
	if !IsSupportedMIME(mime.String()) {
		return nil, invalid(nil, "cannot identify image file: detected %s", mime.String())
	}

	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = invalid(fmt.Errorf("%v", r), "decoder failure: %v", r)
		}
	}()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, invalid(err, "cannot identify image file: %v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, invalid(nil, "image has invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, invalid(nil, "image size (%d pixels) exceeds limit of %d pixels", cfg.Width*cfg.Height, MaxPixels)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, invalid(err, "decoding %s image: %v", mime.Extension(), err)
	}

	rgb := ToRGB(src)
	return &DecodedImage{
		Image:  rgb,
		Width:  rgb.Bounds().Dx(),
		Height: rgb.Bounds().Dy(),
		Format: format,
		MIME:   mime.String(),
	}, nil
}

// IsSupportedMIME reports whether a sniffed MIME type has a registered decoder.
func IsSupportedMIME(mime string) bool {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return slices.Contains(supportedMIMETypes, strings.TrimSpace(mime))
}

// ToRGB converts any image to an opaque RGBA raster anchored at (0,0).
// Transparent pixels keep their straight (non-premultiplied) color and the
// alpha channel is discarded.
func ToRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			dst.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}
