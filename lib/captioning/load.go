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

package captioning

import (
	"fmt"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/florence"
	"github.com/antflydb/captioner/lib/generation"
	"github.com/antflydb/captioner/lib/tensors"
	"go.uber.org/zap"
)

// LoadConfig locates and places the model.
type LoadConfig struct {
	ModelID  string
	ModelDir string
	// GPUMode chooses placement; auto uses the GPU when one is detected.
	GPUMode    backends.GPUMode
	NumThreads int
}

// Load builds the resident model and the pipeline around it. Placement is
// decided once: gpu runs in fp16, cpu in fp32.
func Load(cfg LoadConfig, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	device, precision := backends.Placement(cfg.GPUMode)

	factory, err := backends.DefaultSessionFactory()
	if err != nil {
		return nil, err
	}

	modelCfg, err := florence.LoadModelConfig(cfg.ModelDir)
	if err != nil {
		return nil, err
	}
	tok, err := florence.LoadTokenizer(cfg.ModelDir)
	if err != nil {
		return nil, err
	}

	sessionMode := backends.GPUModeOff
	if device == tensors.DeviceGPU {
		sessionMode = backends.GPUModeCuda
	}

	engine, err := generation.LoadFlorence2(EngineConfig(modelCfg, precision), factory, logger.Named("engine"),
		backends.WithSessionThreads(cfg.NumThreads),
		backends.WithSessionGPUMode(sessionMode))
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", cfg.ModelID, err)
	}

	handle, err := generation.NewModelHandle(cfg.ModelID, device, precision, engine, logger.Named("generation"))
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	logger.Info("Model loaded",
		zap.String("model", cfg.ModelID),
		zap.String("dir", cfg.ModelDir),
		zap.String("device", string(device)),
		zap.String("precision", string(precision)),
		zap.String("backend", string(factory.Backend())))

	return NewPipeline(handle, tok, modelCfg.ImageConfig, logger, opts...), nil
}

// EngineConfig maps a Florence model config onto the generation engine.
func EngineConfig(mc *florence.ModelConfig, precision tensors.Precision) generation.EngineConfig {
	return generation.EngineConfig{
		ModelPath: mc.ModelPath,
		Precision: precision,
		NumLayers: mc.NumLayers,
		NumHeads:  mc.NumHeads,
		HeadDim:   mc.HeadDim,
		Beam: generation.BeamConfig{
			NumBeams:            generation.DefaultNumBeams,
			MaxNewTokens:        generation.DefaultMaxNewTokens,
			DecoderStartTokenID: mc.DecoderStartTokenID,
			EOSTokenID:          mc.EOSTokenID,
			PadTokenID:          mc.PadTokenID,
			ForcedBOSTokenID:    mc.ForcedBOSTokenID,
			ForcedEOSTokenID:    mc.ForcedEOSTokenID,
			NoRepeatNGramSize:   mc.NoRepeatNGramSize,
			LengthPenalty:       mc.LengthPenalty,
			EarlyStopping:       mc.EarlyStopping,
		},
	}
}
