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
	"image"

	"github.com/antflydb/captioner/lib/tensors"
	"golang.org/x/image/draw"
)

// ImageConfig holds image preprocessing parameters, usually read from a
// model's preprocessor_config.json.
type ImageConfig struct {
	Width         int
	Height        int
	Mean          [3]float32
	Std           [3]float32
	RescaleFactor float32
}

// DefaultImageConfig returns the Florence-2 processor defaults: 768x768 with
// ImageNet normalization.
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		Width:         768,
		Height:        768,
		Mean:          [3]float32{0.485, 0.456, 0.406},
		Std:           [3]float32{0.229, 0.224, 0.225},
		RescaleFactor: 1.0 / 255.0,
	}
}

// ImageProcessor turns decoded images into normalized NCHW pixel tensors.
type ImageProcessor struct {
	Config *ImageConfig
}

// NewImageProcessor creates an ImageProcessor with the given configuration.
func NewImageProcessor(config *ImageConfig) *ImageProcessor {
	if config == nil {
		config = DefaultImageConfig()
	}
	return &ImageProcessor{Config: config}
}

// PixelValues resizes the image to the configured size and returns a
// [1, 3, height, width] fp32 tensor named pixel_values.
func (p *ImageProcessor) PixelValues(img *DecodedImage) tensors.Tensor {
	resized := p.resize(img.Image)
	w, h := p.Config.Width, p.Config.Height
	return tensors.NewFloat32("pixel_values", []int64{1, 3, int64(h), int64(w)}, p.toTensor(resized))
}

// resize scales to the target size with bicubic (Catmull-Rom) resampling.
func (p *ImageProcessor) resize(src *image.RGBA) *image.RGBA {
	w, h := p.Config.Width, p.Config.Height
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// toTensor converts an RGBA raster to a normalized float tensor in CHW order.
func (p *ImageProcessor) toTensor(img *image.RGBA) []float32 {
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	plane := height * width
	pixels := make([]float32, 3*plane)

	cfg := p.Config
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			r := float32(row[x*4+0]) * cfg.RescaleFactor
			g := float32(row[x*4+1]) * cfg.RescaleFactor
			b := float32(row[x*4+2]) * cfg.RescaleFactor

			i := y*width + x
			pixels[0*plane+i] = (r - cfg.Mean[0]) / cfg.Std[0]
			pixels[1*plane+i] = (g - cfg.Mean[1]) / cfg.Std[1]
			pixels[2*plane+i] = (b - cfg.Mean[2]) / cfg.Std[2]
		}
	}

	return pixels
}
