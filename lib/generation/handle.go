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

// Package generation runs bounded, deterministic text generation against the
// resident vision-language model.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/antflydb/captioner/lib/tensors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Input names consumed by Generate.
const (
	InputIDsKey    = "input_ids"
	PixelValuesKey = "pixel_values"
)

// Generation defaults used by the captioning service.
const (
	DefaultNumBeams     = 3
	DefaultMaxNewTokens = 256
)

// Sequence is the generated token id sequence, including the decoder start
// token and the terminating EOS token.
type Sequence []int

// Inputs are the model inputs Generate forwards to the engine.
type Inputs struct {
	InputIDs    tensors.Tensor
	PixelValues tensors.Tensor
}

// Params bound a single generation call.
type Params struct {
	NumBeams     int
	MaxNewTokens int
	// DoSample is always false; decoding is deterministic beam search.
	DoSample bool
}

// DefaultParams returns the service's generation parameters.
func DefaultParams() Params {
	return Params{NumBeams: DefaultNumBeams, MaxNewTokens: DefaultMaxNewTokens}
}

// Engine runs generation for one request. Engines need not be safe for
// concurrent use; ModelHandle serializes calls.
type Engine interface {
	Generate(ctx context.Context, in Inputs, params Params) (Sequence, error)
	Close() error
}

// GenerationError wraps a failure inside the engine.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ModelHandle is the loaded model shared by all requests. Its placement is
// fixed at construction and generation is serialized.
type ModelHandle struct {
	ModelID   string
	Device    tensors.Device
	Precision tensors.Precision

	engine Engine
	sem    *semaphore.Weighted
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewModelHandle wraps engine in a handle. Half precision is only valid on
// the GPU.
func NewModelHandle(modelID string, device tensors.Device, precision tensors.Precision, engine Engine, logger *zap.Logger) (*ModelHandle, error) {
	if modelID == "" {
		return nil, errors.New("model id is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	switch device {
	case tensors.DeviceCPU, tensors.DeviceGPU:
	default:
		return nil, fmt.Errorf("unknown device %q", device)
	}
	switch precision {
	case tensors.PrecisionFP32, tensors.PrecisionFP16:
	default:
		return nil, fmt.Errorf("unknown precision %q", precision)
	}
	if precision == tensors.PrecisionFP16 && device != tensors.DeviceGPU {
		return nil, fmt.Errorf("precision %s requires device %s, got %s", precision, tensors.DeviceGPU, device)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelHandle{
		ModelID:   modelID,
		Device:    device,
		Precision: precision,
		engine:    engine,
		sem:       semaphore.NewWeighted(1),
		logger:    logger,
	}, nil
}

// Generate runs beam search over the bundle's input_ids and pixel_values.
// Other bundle entries are ignored. A bundle missing either key is a
// programming error and panics.
//
// Only one generation runs at a time; waiting honors ctx.
func (h *ModelHandle) Generate(ctx context.Context, bundle tensors.Bundle, beamWidth, maxTokens int) (Sequence, error) {
	ids, ok := bundle[InputIDsKey]
	if !ok {
		panic("generation: bundle has no " + InputIDsKey)
	}
	pixels, ok := bundle[PixelValuesKey]
	if !ok {
		panic("generation: bundle has no " + PixelValuesKey)
	}
	if beamWidth <= 0 || maxTokens <= 0 {
		return nil, &GenerationError{Err: fmt.Errorf("invalid bounds: beams=%d max_new_tokens=%d", beamWidth, maxTokens)}
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.sem.Release(1)

	params := Params{NumBeams: beamWidth, MaxNewTokens: maxTokens}
	h.logger.Debug("Starting generation",
		zap.Int("numBeams", params.NumBeams),
		zap.Int("maxNewTokens", params.MaxNewTokens),
		zap.Int64s("inputShape", ids.Shape))

	seq, err := h.engine.Generate(ctx, Inputs{InputIDs: ids, PixelValues: pixels}, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		h.logger.Error("Generation failed", zap.Error(err))
		return nil, &GenerationError{Err: err}
	}

	h.logger.Debug("Generation complete", zap.Int("tokens", len(seq)))
	return seq, nil
}

// Close releases the engine. Safe to call more than once.
func (h *ModelHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.engine.Close()
	})
	return h.closeErr
}
