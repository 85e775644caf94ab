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

package generation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/tensors"
	"github.com/x448/float16"
	"go.uber.org/zap"
)

// EngineConfig describes an exported Florence-2 model directory.
type EngineConfig struct {
	ModelPath string
	Precision tensors.Precision

	// Decoder shape, used to build empty past key/value inputs.
	NumLayers int
	NumHeads  int
	HeadDim   int

	Beam BeamConfig
}

// Florence-2 is exported as four graphs:
//   - vision_encoder: pixel_values → image_features
//   - embed_tokens: input_ids → inputs_embeds
//   - encoder_model: inputs_embeds (image features then prompt embeds) → last_hidden_state
//   - decoder_model_merged: inputs_embeds + encoder_hidden_states → logits
const (
	visionEncoderFile = "vision_encoder.onnx"
	embedTokensFile   = "embed_tokens.onnx"
	encoderModelFile  = "encoder_model.onnx"
)

var decoderFiles = []string{
	"decoder_model_merged.onnx",
	"decoder_model.onnx",
	"decoder.onnx",
}

// FindONNXFile returns the first candidate present in dir or dir/onnx.
func FindONNXFile(dir string, candidates []string) string {
	searchDirs := []string{dir, filepath.Join(dir, "onnx")}
	for _, searchDir := range searchDirs {
		for _, name := range candidates {
			path := filepath.Join(searchDir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// precisionCandidates prefers the _fp16 export when running in half
// precision and falls back to the plain file.
func precisionCandidates(precision tensors.Precision, names ...string) []string {
	var out []string
	if precision == tensors.PrecisionFP16 {
		for _, name := range names {
			out = append(out, strings.TrimSuffix(name, ".onnx")+"_fp16.onnx")
		}
	}
	return append(out, names...)
}

// IsFlorence2Model reports whether path holds the graphs LoadFlorence2 needs.
func IsFlorence2Model(path string) bool {
	return FindONNXFile(path, []string{visionEncoderFile}) != "" &&
		FindONNXFile(path, []string{embedTokensFile}) != "" &&
		FindONNXFile(path, []string{encoderModelFile}) != "" &&
		FindONNXFile(path, decoderFiles) != ""
}

// Florence2Engine runs Florence-2 generation over ONNX sessions.
type Florence2Engine struct {
	cfg     EngineConfig
	vision  backends.Session
	embed   backends.Session
	encoder backends.Session
	decoder backends.Session
	logger  *zap.Logger
}

var _ Engine = (*Florence2Engine)(nil)

// NewFlorence2Engine wraps already created sessions.
func NewFlorence2Engine(cfg EngineConfig, vision, embed, encoder, decoder backends.Session, logger *zap.Logger) *Florence2Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NumHeads == 0 {
		cfg.NumHeads = 12
	}
	if cfg.HeadDim == 0 {
		cfg.HeadDim = 64
	}
	return &Florence2Engine{
		cfg:     cfg,
		vision:  vision,
		embed:   embed,
		encoder: encoder,
		decoder: decoder,
		logger:  logger,
	}
}

// LoadFlorence2 creates the four sessions of a Florence-2 export.
func LoadFlorence2(cfg EngineConfig, factory backends.SessionFactory, logger *zap.Logger, opts ...backends.SessionOption) (*Florence2Engine, error) {
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	paths := make([]string, 4)
	for i, names := range [][]string{{visionEncoderFile}, {embedTokensFile}, {encoderModelFile}, decoderFiles} {
		paths[i] = FindONNXFile(cfg.ModelPath, precisionCandidates(cfg.Precision, names...))
		if paths[i] == "" {
			return nil, fmt.Errorf("%s not found in %s", names[0], cfg.ModelPath)
		}
	}

	sessions := make([]backends.Session, 0, len(paths))
	closeAll := func() {
		for _, s := range sessions {
			_ = s.Close()
		}
	}
	for _, path := range paths {
		s, err := factory.CreateSession(path, opts...)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("creating session for %s: %w", filepath.Base(path), err)
		}
		sessions = append(sessions, s)
		logger.Debug("Loaded model graph", zap.String("path", path))
	}

	return NewFlorence2Engine(cfg, sessions[0], sessions[1], sessions[2], sessions[3], logger), nil
}

// Generate encodes the image and prompt once, then beam-searches the
// decoder.
func (e *Florence2Engine) Generate(ctx context.Context, in Inputs, params Params) (Sequence, error) {
	enc, err := e.encode(in)
	if err != nil {
		return nil, err
	}

	beamCfg := e.cfg.Beam
	beamCfg.NumBeams = params.NumBeams
	beamCfg.MaxNewTokens = params.MaxNewTokens

	seq, err := BeamSearch(ctx, func(ctx context.Context, seqs [][]int) ([][]float32, error) {
		return e.decodeStep(seqs, enc)
	}, beamCfg)
	if err != nil {
		return nil, err
	}
	return Sequence(seq), nil
}

// encoderState holds last_hidden_state of a single request, [1, seqLen, hidden].
type encoderState struct {
	hidden []float32
	seqLen int
	dim    int
}

func (e *Florence2Engine) encode(in Inputs) (*encoderState, error) {
	visionOut, err := e.vision.Run([]backends.NamedTensor{
		e.floatInput(e.vision, "pixel_values", in.PixelValues.Shape, in.PixelValues.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("running vision encoder: %w", err)
	}
	if len(visionOut) == 0 || len(visionOut[0].Shape) != 3 {
		return nil, errors.New("unexpected vision encoder output")
	}
	features, err := visionOut[0].Float32s()
	if err != nil {
		return nil, err
	}
	imageLen := int(visionOut[0].Shape[1])
	dim := int(visionOut[0].Shape[2])

	ids, err := in.InputIDs.Int64s()
	if err != nil {
		return nil, err
	}
	promptEmbeds, err := e.embedTokens([][]int64{ids})
	if err != nil {
		return nil, err
	}
	promptLen := len(ids)

	seqLen := imageLen + promptLen
	embeds := make([]float32, 0, seqLen*dim)
	embeds = append(embeds, features[:imageLen*dim]...)
	embeds = append(embeds, promptEmbeds...)

	mask := make([]int64, seqLen)
	for i := range mask {
		mask[i] = 1
	}

	encOut, err := e.encoder.Run([]backends.NamedTensor{
		e.floatInput(e.encoder, "inputs_embeds", []int64{1, int64(seqLen), int64(dim)}, embeds),
		{Name: "attention_mask", Shape: []int64{1, int64(seqLen)}, Data: mask},
	})
	if err != nil {
		return nil, fmt.Errorf("running encoder_model: %w", err)
	}
	if len(encOut) == 0 {
		return nil, errors.New("no output from encoder_model")
	}
	hidden, err := encOut[0].Float32s()
	if err != nil {
		return nil, err
	}

	return &encoderState{hidden: hidden, seqLen: seqLen, dim: dim}, nil
}

// embedTokens returns the flattened [batch, len, hidden] embeddings of ids.
func (e *Florence2Engine) embedTokens(ids [][]int64) ([]float32, error) {
	batch, seqLen := len(ids), len(ids[0])
	flat := make([]int64, 0, batch*seqLen)
	for _, row := range ids {
		flat = append(flat, row...)
	}
	out, err := e.embed.Run([]backends.NamedTensor{
		{Name: "input_ids", Shape: []int64{int64(batch), int64(seqLen)}, Data: flat},
	})
	if err != nil {
		return nil, fmt.Errorf("running embed_tokens: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("no output from embed_tokens")
	}
	return out[0].Float32s()
}

// decodeStep runs the decoder over the full sequences of every beam without
// a key/value cache and returns the logits at the last position.
func (e *Florence2Engine) decodeStep(seqs [][]int, enc *encoderState) ([][]float32, error) {
	batch, seqLen := len(seqs), len(seqs[0])
	ids := make([][]int64, batch)
	for i, seq := range seqs {
		ids[i] = make([]int64, len(seq))
		for j, tok := range seq {
			ids[i][j] = int64(tok)
		}
	}

	var inputs []backends.NamedTensor
	if backends.HasInput(e.decoder, "inputs_embeds") {
		embeds, err := e.embedTokens(ids)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, e.floatInput(e.decoder, "inputs_embeds",
			[]int64{int64(batch), int64(seqLen), int64(len(embeds) / (batch * seqLen))}, embeds))
	} else {
		flat := make([]int64, 0, batch*seqLen)
		for _, row := range ids {
			flat = append(flat, row...)
		}
		inputs = append(inputs, backends.NamedTensor{
			Name:  "input_ids",
			Shape: []int64{int64(batch), int64(seqLen)},
			Data:  flat,
		})
	}

	hidden := make([]float32, 0, batch*len(enc.hidden))
	for range batch {
		hidden = append(hidden, enc.hidden...)
	}
	inputs = append(inputs, e.floatInput(e.decoder, "encoder_hidden_states",
		[]int64{int64(batch), int64(enc.seqLen), int64(enc.dim)}, hidden))

	if backends.HasInput(e.decoder, "encoder_attention_mask") {
		mask := make([]int64, batch*enc.seqLen)
		for i := range mask {
			mask[i] = 1
		}
		inputs = append(inputs, backends.NamedTensor{
			Name:  "encoder_attention_mask",
			Shape: []int64{int64(batch), int64(enc.seqLen)},
			Data:  mask,
		})
	}

	if backends.HasInput(e.decoder, "use_cache_branch") {
		useCache := backends.NamedTensor{Name: "use_cache_branch", Shape: []int64{1}, Data: []bool{false}}
		if backends.InputDataType(e.decoder, "use_cache_branch") == backends.DataTypeFloat32 {
			useCache.Data = []float32{0}
		}
		inputs = append(inputs, useCache)
	}

	for _, info := range e.decoder.InputInfo() {
		if strings.HasPrefix(info.Name, "past_key_values") {
			shape := []int64{int64(batch), int64(e.cfg.NumHeads), 0, int64(e.cfg.HeadDim)}
			inputs = append(inputs, e.floatInput(e.decoder, info.Name, shape, []float32{}))
		}
	}

	outputs, err := e.decoder.Run(inputs)
	if err != nil {
		return nil, fmt.Errorf("running decoder: %w", err)
	}
	logitsTensor, err := findOutput(e.decoder, outputs, "logits")
	if err != nil {
		return nil, err
	}
	logits, err := logitsTensor.Float32s()
	if err != nil {
		return nil, err
	}
	if len(logitsTensor.Shape) != 3 {
		return nil, fmt.Errorf("unexpected logits shape %v", logitsTensor.Shape)
	}
	outLen, vocab := int(logitsTensor.Shape[1]), int(logitsTensor.Shape[2])

	rows := make([][]float32, batch)
	for b := range batch {
		start := (b*outLen + outLen - 1) * vocab
		rows[b] = logits[start : start+vocab]
	}
	return rows, nil
}

// floatInput builds a floating point input in the element type the session
// declares for name. Float data arrives already cast to the handle's
// precision, so conversion only happens when a graph disagrees with it.
func (e *Florence2Engine) floatInput(s backends.Session, name string, shape []int64, data any) backends.NamedTensor {
	want := backends.InputDataType(s, name)
	switch d := data.(type) {
	case []float32:
		if want == backends.DataTypeFloat16 {
			data = tensors.Float32To16(d)
		}
	case []float16.Float16:
		if want != backends.DataTypeFloat16 {
			data = tensors.Float16To32(d)
		}
	}
	return backends.NamedTensor{Name: name, Shape: shape, Data: data}
}

func findOutput(s backends.Session, outputs []backends.NamedTensor, name string) (backends.NamedTensor, error) {
	for i, info := range s.OutputInfo() {
		if info.Name == name && i < len(outputs) {
			return outputs[i], nil
		}
	}
	for _, out := range outputs {
		if out.Name == name {
			return out, nil
		}
	}
	if len(outputs) == 0 {
		return backends.NamedTensor{}, fmt.Errorf("no %s output", name)
	}
	return outputs[0], nil
}

// Close releases all sessions.
func (e *Florence2Engine) Close() error {
	var errs []error
	for _, s := range []backends.Session{e.vision, e.embed, e.encoder, e.decoder} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
