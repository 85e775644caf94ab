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
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/antflydb/captioner/lib/florence"
	"github.com/antflydb/captioner/lib/generation"
	"github.com/antflydb/captioner/lib/imaging"
	"github.com/antflydb/captioner/lib/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockTokenizer encodes one id per byte and decodes through a fixed table.
type MockTokenizer struct {
	mu      sync.Mutex
	prompts []string
	vocab   map[int]string
}

func (m *MockTokenizer) Encode(text string) ([]int, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, text)
	m.mu.Unlock()
	ids := []int{0}
	for _, b := range []byte(text) {
		ids = append(ids, int(b))
	}
	return append(ids, 2), nil
}

func (m *MockTokenizer) Decode(ids []int, _ bool) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(m.vocab[id])
	}
	return sb.String()
}

func newMockTokenizer() *MockTokenizer {
	return &MockTokenizer{vocab: map[int]string{
		0:    "<s>",
		2:    "</s>",
		1000: "A cat on a mat.",
		1001: "cat<loc_0><loc_0><loc_499><loc_999>",
	}}
}

// MockEngine returns a fixed sequence and records what it saw.
type MockEngine struct {
	seq       generation.Sequence
	err       error
	calls     atomic.Int32
	lastInput generation.Inputs
}

func (m *MockEngine) Generate(ctx context.Context, in generation.Inputs, _ generation.Params) (generation.Sequence, error) {
	m.calls.Add(1)
	m.lastInput = in
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.seq, nil
}

func (m *MockEngine) Close() error { return nil }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func smallImageConfig() *imaging.ImageConfig {
	cfg := imaging.DefaultImageConfig()
	cfg.Width, cfg.Height = 8, 8
	return cfg
}

func newTestPipeline(t *testing.T, engine *MockEngine, device tensors.Device, precision tensors.Precision, opts ...Option) (*Pipeline, *MockTokenizer) {
	t.Helper()
	handle, err := generation.NewModelHandle("test/florence", device, precision, engine, zaptest.NewLogger(t))
	require.NoError(t, err)
	tok := newMockTokenizer()
	return NewPipeline(handle, tok, smallImageConfig(), zaptest.NewLogger(t), opts...), tok
}

func TestPipeline_DefaultTaskCaption(t *testing.T) {
	engine := &MockEngine{seq: generation.Sequence{2, 0, 1000, 2}}
	p, tok := newTestPipeline(t, engine, tensors.DeviceCPU, tensors.PrecisionFP32)

	resp, err := p.Caption(context.Background(), Request{Image: pngBytes(t, 20, 10)})
	require.NoError(t, err)
	assert.Equal(t, "test/florence", resp.ModelID)
	assert.Equal(t, florence.TaskCaption, resp.Task)
	assert.Equal(t, florence.ResultText, resp.Result.Kind)
	assert.Equal(t, "A cat on a mat.", resp.Result.Text)
	assert.Equal(t, 20, resp.Width)
	assert.Equal(t, 10, resp.Height)

	assert.Equal(t, []string{"What does the image describe?"}, tok.prompts)
	assert.Equal(t, []int64{1, 3, 8, 8}, engine.lastInput.PixelValues.Shape)
}

func TestPipeline_ObjectDetection(t *testing.T) {
	engine := &MockEngine{seq: generation.Sequence{2, 0, 1001, 2}}
	p, _ := newTestPipeline(t, engine, tensors.DeviceCPU, tensors.PrecisionFP32)

	resp, err := p.Caption(context.Background(), Request{Image: pngBytes(t, 100, 50), Task: florence.TaskObjectDetection})
	require.NoError(t, err)
	require.Equal(t, florence.ResultRegions, resp.Result.Kind)
	require.Len(t, resp.Result.Boxes, 1)
	assert.Equal(t, []string{"cat"}, resp.Result.Labels)
	for i, v := range resp.Result.Boxes[0] {
		limit := 100.0
		if i%2 == 1 {
			limit = 50.0
		}
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, limit)
	}
}

func TestPipeline_AlignsToHalfPrecisionOnGPU(t *testing.T) {
	engine := &MockEngine{seq: generation.Sequence{2, 0, 1000, 2}}
	p, _ := newTestPipeline(t, engine, tensors.DeviceGPU, tensors.PrecisionFP16)

	_, err := p.Caption(context.Background(), Request{Image: pngBytes(t, 4, 4)})
	require.NoError(t, err)

	pixels := engine.lastInput.PixelValues
	assert.Equal(t, tensors.DeviceGPU, pixels.Device)
	assert.Equal(t, tensors.PrecisionFP16, pixels.Precision)
	assert.Equal(t, tensors.KindFloat, pixels.Kind())
	assert.Equal(t, tensors.DeviceGPU, engine.lastInput.InputIDs.Device)
	_, err = engine.lastInput.InputIDs.Int64s()
	assert.NoError(t, err)
}

func TestPipeline_InvalidImage(t *testing.T) {
	engine := &MockEngine{seq: generation.Sequence{2, 0, 1000, 2}}
	p, _ := newTestPipeline(t, engine, tensors.DeviceCPU, tensors.PrecisionFP32)

	_, err := p.Caption(context.Background(), Request{Image: []byte("not an image")})
	var invalid *imaging.InvalidImageError
	require.ErrorAs(t, err, &invalid)
	assert.True(t, IsClientError(err))
	assert.Equal(t, int32(0), engine.calls.Load())
}

func TestPipeline_StrictTasks(t *testing.T) {
	engine := &MockEngine{seq: generation.Sequence{2, 0, 1000, 2}}

	lenient, _ := newTestPipeline(t, engine, tensors.DeviceCPU, tensors.PrecisionFP32)
	resp, err := lenient.Caption(context.Background(), Request{Image: pngBytes(t, 4, 4), Task: "<MADE_UP>"})
	require.NoError(t, err)
	assert.Equal(t, florence.ResultFallback, resp.Result.Kind)
	assert.Equal(t, "<MADE_UP>", resp.Task)

	strict, _ := newTestPipeline(t, engine, tensors.DeviceCPU, tensors.PrecisionFP32, WithStrictTasks(true))
	calls := engine.calls.Load()
	_, err = strict.Caption(context.Background(), Request{Image: pngBytes(t, 4, 4), Task: "<MADE_UP>"})
	var unsupported *florence.UnsupportedTaskError
	require.ErrorAs(t, err, &unsupported)
	assert.True(t, IsClientError(err))
	assert.Equal(t, calls, engine.calls.Load())
}

func TestPipeline_DefaultTaskOption(t *testing.T) {
	engine := &MockEngine{seq: generation.Sequence{2, 0, 1000, 2}}
	p, tok := newTestPipeline(t, engine, tensors.DeviceCPU, tensors.PrecisionFP32, WithDefaultTask(florence.TaskOCR))

	resp, err := p.Caption(context.Background(), Request{Image: pngBytes(t, 4, 4)})
	require.NoError(t, err)
	assert.Equal(t, florence.TaskOCR, resp.Task)
	assert.Equal(t, []string{"What is the text in the image?"}, tok.prompts)
	assert.Equal(t, florence.TaskOCR, p.DefaultTask())
}

func TestPipeline_GenerationErrors(t *testing.T) {
	boom := errors.New("session failed")
	engine := &MockEngine{err: boom}
	p, _ := newTestPipeline(t, engine, tensors.DeviceCPU, tensors.PrecisionFP32)

	_, err := p.Caption(context.Background(), Request{Image: pngBytes(t, 4, 4)})
	var genErr *generation.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.False(t, IsClientError(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Caption(ctx, Request{Image: pngBytes(t, 4, 4)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineConfig(t *testing.T) {
	mc := florence.DefaultModelConfig()
	mc.ModelPath = "/models/florence"
	cfg := EngineConfig(mc, tensors.PrecisionFP16)

	assert.Equal(t, "/models/florence", cfg.ModelPath)
	assert.Equal(t, tensors.PrecisionFP16, cfg.Precision)
	assert.Equal(t, 3, cfg.Beam.NoRepeatNGramSize)
	assert.Equal(t, mc.EOSTokenID, cfg.Beam.EOSTokenID)
	assert.Equal(t, mc.HeadDim, cfg.HeadDim)
	assert.Equal(t, generation.DefaultNumBeams, cfg.Beam.NumBeams)
}
