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
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/antflydb/captioner/lib/imaging"
	"github.com/antflydb/captioner/lib/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockTokenizer returns one token per byte of the prompt, wrapped in BOS/EOS.
type MockTokenizer struct {
	mu          sync.Mutex
	Prompts     []string
	DecodedText string
	SkipFlags   []bool
	EncodeErr   error
}

func (m *MockTokenizer) Encode(text string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prompts = append(m.Prompts, text)
	if m.EncodeErr != nil {
		return nil, m.EncodeErr
	}
	ids := []int{0}
	for _, b := range []byte(text) {
		ids = append(ids, int(b))
	}
	return append(ids, 2), nil
}

func (m *MockTokenizer) Decode(ids []int, skipSpecialTokens bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SkipFlags = append(m.SkipFlags, skipSpecialTokens)
	return m.DecodedText
}

func smallImage(w, h int) *imaging.DecodedImage {
	return &imaging.DecodedImage{Image: image.NewRGBA(image.Rect(0, 0, w, h)), Width: w, Height: h}
}

func TestProcessor_Process(t *testing.T) {
	tok := &MockTokenizer{}
	p := NewProcessor(tok, &imaging.ImageConfig{
		Width: 8, Height: 8,
		Mean:          [3]float32{0.485, 0.456, 0.406},
		Std:           [3]float32{0.229, 0.224, 0.225},
		RescaleFactor: 1.0 / 255.0,
	})

	bundle, err := p.Process(TaskCaption, "", smallImage(20, 10))
	require.NoError(t, err)
	assert.Equal(t, []string{AttentionMask, InputIDs, PixelValues}, bundle.Keys())

	require.Len(t, tok.Prompts, 1)
	assert.Equal(t, "What does the image describe?", tok.Prompts[0])

	ids := bundle[InputIDs]
	promptLen := int64(len("What does the image describe?") + 2)
	assert.Equal(t, []int64{1, promptLen}, ids.Shape)
	assert.Equal(t, tensors.KindInt, ids.Kind())
	assert.Equal(t, tensors.DeviceCPU, ids.Device)

	data, err := ids.Int64s()
	require.NoError(t, err)
	assert.Equal(t, int64(0), data[0])
	assert.Equal(t, int64(2), data[len(data)-1])

	mask, err := bundle[AttentionMask].Int64s()
	require.NoError(t, err)
	for _, v := range mask {
		assert.Equal(t, int64(1), v)
	}

	px := bundle[PixelValues]
	assert.Equal(t, []int64{1, 3, 8, 8}, px.Shape)
	assert.Equal(t, tensors.PrecisionFP32, px.Precision)
}

func TestProcessor_ProcessWithInput(t *testing.T) {
	tok := &MockTokenizer{}
	p := NewProcessor(tok, nil)

	_, err := p.Process(TaskCaptionToPhraseGrounding, "a red car", smallImage(4, 4))
	require.NoError(t, err)
	assert.Equal(t, []string{"Locate the phrases in the caption: a red car"}, tok.Prompts)
}

func TestProcessor_Errors(t *testing.T) {
	p := NewProcessor(&MockTokenizer{}, nil)
	_, err := p.Process(TaskCaption, "", nil)
	require.Error(t, err)

	p = NewProcessor(&MockTokenizer{EncodeErr: errors.New("boom")}, nil)
	_, err = p.Process(TaskCaption, "", smallImage(4, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestPostProcessor_KeepsSpecialTokens(t *testing.T) {
	tok := &MockTokenizer{DecodedText: "</s><s>car<loc_0><loc_0><loc_999><loc_999></s>"}
	pp := NewPostProcessor(tok)

	res, err := pp.Process([]int{2, 0, 5, 2}, TaskObjectDetection, 200, 100)
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, tok.SkipFlags)
	require.Equal(t, ResultRegions, res.Kind)
	assert.Equal(t, []string{"car"}, res.Labels)
	assert.InDeltaSlice(t, []float64{0.1, 0.05, 199.9, 99.95}, res.Boxes[0][:], 1e-9)

	_, err = pp.Process([]int{2}, TaskCaption, 0, 10)
	require.Error(t, err)
}

func TestLoadModelConfig(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}

	_, err := LoadModelConfig(dir)
	require.Error(t, err, "config.json is required")

	write("config.json", `{
		"model_type": "florence2",
		"text_config": {
			"vocab_size": 51289,
			"d_model": 1024,
			"decoder_layers": 12,
			"decoder_attention_heads": 16,
			"no_repeat_ngram_size": 3
		}
	}`)
	write("generation_config.json", `{"no_repeat_ngram_size": 4, "early_stopping": false}`)
	write("preprocessor_config.json", `{
		"image_mean": [0.5, 0.5, 0.5],
		"image_std": [0.25, 0.25, 0.25],
		"size": {"height": 384, "width": 512}
	}`)

	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ModelPath)
	assert.Equal(t, 1024, cfg.HiddenSize)
	assert.Equal(t, 12, cfg.NumLayers)
	assert.Equal(t, 16, cfg.NumHeads)
	assert.Equal(t, 64, cfg.HeadDim)
	assert.Equal(t, 4, cfg.NoRepeatNGramSize)
	assert.False(t, cfg.EarlyStopping)
	assert.Equal(t, 2, cfg.DecoderStartTokenID)
	assert.Equal(t, 2, cfg.EOSTokenID)

	require.NotNil(t, cfg.ImageConfig)
	assert.Equal(t, 512, cfg.ImageConfig.Width)
	assert.Equal(t, 384, cfg.ImageConfig.Height)
	assert.Equal(t, [3]float32{0.5, 0.5, 0.5}, cfg.ImageConfig.Mean)
	assert.Equal(t, [3]float32{0.25, 0.25, 0.25}, cfg.ImageConfig.Std)
}

func TestLoadModelConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"model_type": "florence2"}`), 0o600))

	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)
	def := DefaultModelConfig()
	assert.Equal(t, def.NumLayers, cfg.NumLayers)
	assert.Equal(t, def.HeadDim, cfg.HeadDim)
	assert.Equal(t, 768, cfg.ImageConfig.Width)
}
