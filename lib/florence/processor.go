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

package florence

import (
	"errors"
	"fmt"

	"github.com/antflydb/captioner/lib/imaging"
	"github.com/antflydb/captioner/lib/tensors"
)

// Input names produced by the processor.
const (
	InputIDs      = "input_ids"
	AttentionMask = "attention_mask"
	PixelValues   = "pixel_values"
)

// Processor turns a task and an image into model inputs.
type Processor struct {
	tokenizer Tokenizer
	images    *imaging.ImageProcessor
}

// NewProcessor creates a processor. A nil image config uses the Florence-2
// defaults.
func NewProcessor(tok Tokenizer, imageCfg *imaging.ImageConfig) *Processor {
	return &Processor{
		tokenizer: tok,
		images:    imaging.NewImageProcessor(imageCfg),
	}
}

// Process builds input_ids, attention_mask and pixel_values for one request.
// All tensors are fp32/int64 on the cpu; callers align them to the model.
func (p *Processor) Process(task, text string, img *imaging.DecodedImage) (tensors.Bundle, error) {
	if img == nil {
		return nil, errors.New("no image")
	}

	prompt := BuildPrompt(task, text)
	ids, err := p.tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("tokenizing prompt: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("prompt %q produced no tokens", prompt)
	}

	inputIDs := make([]int64, len(ids))
	mask := make([]int64, len(ids))
	for i, id := range ids {
		inputIDs[i] = int64(id)
		mask[i] = 1
	}
	shape := []int64{1, int64(len(ids))}

	return tensors.Bundle{
		InputIDs:      tensors.NewInt64(InputIDs, shape, inputIDs),
		AttentionMask: tensors.NewInt64(AttentionMask, shape, mask),
		PixelValues:   p.images.PixelValues(img),
	}, nil
}

// PostProcessor converts generated token ids into a task-shaped Result.
type PostProcessor struct {
	tokenizer Tokenizer
}

// NewPostProcessor creates a post-processor backed by tok.
func NewPostProcessor(tok Tokenizer) *PostProcessor {
	return &PostProcessor{tokenizer: tok}
}

// Process decodes ids with special tokens kept, since location and polygon
// markers are special tokens, then parses the text for task.
func (pp *PostProcessor) Process(ids []int, task string, width, height int) (Result, error) {
	if width <= 0 || height <= 0 {
		return Result{}, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	raw := pp.tokenizer.Decode(ids, false)
	return Parse(raw, task, width, height), nil
}
