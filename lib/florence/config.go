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
	"fmt"
	"os"
	"path/filepath"

	"github.com/antflydb/captioner/lib/imaging"
	"github.com/bytedance/sonic"
)

// ModelConfig holds the parts of config.json, generation_config.json and
// preprocessor_config.json needed to run a Florence-2 model.
type ModelConfig struct {
	ModelPath string

	// Decoder architecture, used to shape empty past key/value inputs.
	NumLayers  int
	NumHeads   int
	HiddenSize int
	HeadDim    int
	VocabSize  int

	// Special tokens and decoding policy.
	DecoderStartTokenID int
	BOSTokenID          int
	EOSTokenID          int
	PadTokenID          int
	ForcedBOSTokenID    int
	ForcedEOSTokenID    int
	NoRepeatNGramSize   int
	LengthPenalty       float64
	EarlyStopping       bool

	ImageConfig *imaging.ImageConfig
}

// rawTextConfig mirrors the language model section of config.json.
type rawTextConfig struct {
	VocabSize             int      `json:"vocab_size"`
	DModel                int      `json:"d_model"`
	DecoderLayers         int      `json:"decoder_layers"`
	DecoderAttentionHeads int      `json:"decoder_attention_heads"`
	DecoderStartTokenID   *int     `json:"decoder_start_token_id"`
	BOSTokenID            *int     `json:"bos_token_id"`
	EOSTokenID            *int     `json:"eos_token_id"`
	PadTokenID            *int     `json:"pad_token_id"`
	ForcedBOSTokenID      *int     `json:"forced_bos_token_id"`
	ForcedEOSTokenID      *int     `json:"forced_eos_token_id"`
	NoRepeatNGramSize     *int     `json:"no_repeat_ngram_size"`
	LengthPenalty         *float64 `json:"length_penalty"`
	EarlyStopping         *bool    `json:"early_stopping"`
}

type rawModelConfig struct {
	ModelType  string         `json:"model_type"`
	TextConfig *rawTextConfig `json:"text_config"`
}

// rawPreprocessorConfig represents preprocessor_config.json
type rawPreprocessorConfig struct {
	ImageMean     []float32 `json:"image_mean"`
	ImageStd      []float32 `json:"image_std"`
	RescaleFactor float32   `json:"rescale_factor"`
	Size          any       `json:"size"`
	CropSize      any       `json:"crop_size"`
}

// DefaultModelConfig returns the Florence-2-base defaults.
func DefaultModelConfig() *ModelConfig {
	return &ModelConfig{
		NumLayers:           6,
		NumHeads:            12,
		HiddenSize:          768,
		HeadDim:             64,
		VocabSize:           51289,
		DecoderStartTokenID: 2,
		BOSTokenID:          0,
		EOSTokenID:          2,
		PadTokenID:          1,
		ForcedBOSTokenID:    0,
		ForcedEOSTokenID:    2,
		NoRepeatNGramSize:   3,
		LengthPenalty:       1.0,
		EarlyStopping:       true,
		ImageConfig:         imaging.DefaultImageConfig(),
	}
}

// LoadModelConfig reads model configuration from a model directory. Missing
// values fall back to the Florence-2-base defaults; generation_config.json
// overrides config.json where both are present.
func LoadModelConfig(modelPath string) (*ModelConfig, error) {
	cfg := DefaultModelConfig()
	cfg.ModelPath = modelPath

	var raw rawModelConfig
	if err := readJSON(filepath.Join(modelPath, "config.json"), &raw); err != nil {
		return nil, fmt.Errorf("loading model config: %w", err)
	}
	if raw.TextConfig != nil {
		applyTextConfig(cfg, raw.TextConfig)
	}

	var gen rawTextConfig
	if err := readJSON(filepath.Join(modelPath, "generation_config.json"), &gen); err == nil {
		applyTextConfig(cfg, &gen)
	}

	var pre rawPreprocessorConfig
	if err := readJSON(filepath.Join(modelPath, "preprocessor_config.json"), &pre); err == nil {
		cfg.ImageConfig = buildImageConfig(&pre)
	}

	return cfg, nil
}

func applyTextConfig(cfg *ModelConfig, text *rawTextConfig) {
	if text.VocabSize > 0 {
		cfg.VocabSize = text.VocabSize
	}
	if text.DModel > 0 {
		cfg.HiddenSize = text.DModel
	}
	if text.DecoderLayers > 0 {
		cfg.NumLayers = text.DecoderLayers
	}
	if text.DecoderAttentionHeads > 0 {
		cfg.NumHeads = text.DecoderAttentionHeads
	}
	cfg.HeadDim = cfg.HiddenSize / cfg.NumHeads

	setInt(&cfg.DecoderStartTokenID, text.DecoderStartTokenID)
	setInt(&cfg.BOSTokenID, text.BOSTokenID)
	setInt(&cfg.EOSTokenID, text.EOSTokenID)
	setInt(&cfg.PadTokenID, text.PadTokenID)
	setInt(&cfg.ForcedBOSTokenID, text.ForcedBOSTokenID)
	setInt(&cfg.ForcedEOSTokenID, text.ForcedEOSTokenID)
	setInt(&cfg.NoRepeatNGramSize, text.NoRepeatNGramSize)
	if text.LengthPenalty != nil {
		cfg.LengthPenalty = *text.LengthPenalty
	}
	if text.EarlyStopping != nil {
		cfg.EarlyStopping = *text.EarlyStopping
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// buildImageConfig merges preprocessor_config.json over the Florence defaults.
func buildImageConfig(pre *rawPreprocessorConfig) *imaging.ImageConfig {
	cfg := imaging.DefaultImageConfig()
	if len(pre.ImageMean) == 3 {
		copy(cfg.Mean[:], pre.ImageMean)
	}
	if len(pre.ImageStd) == 3 {
		copy(cfg.Std[:], pre.ImageStd)
	}
	if pre.RescaleFactor > 0 {
		cfg.RescaleFactor = pre.RescaleFactor
	}
	if w, h := extractImageSize(pre.Size); w > 0 && h > 0 {
		cfg.Width, cfg.Height = w, h
	} else if w, h := extractImageSize(pre.CropSize); w > 0 && h > 0 {
		cfg.Width, cfg.Height = w, h
	}
	return cfg
}

// extractImageSize extracts width and height from the formats used by
// HuggingFace processors: a bare number or {height, width}.
func extractImageSize(v any) (width, height int) {
	switch val := v.(type) {
	case float64:
		return int(val), int(val)
	case map[string]any:
		h, _ := val["height"].(float64)
		w, _ := val["width"].(float64)
		if h > 0 && w > 0 {
			return int(w), int(h)
		}
		if se, ok := val["shortest_edge"].(float64); ok {
			return int(se), int(se)
		}
	}
	return 0, 0
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
