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

package modelhub

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var repoFiles = []string{
	".gitattributes",
	"README.md",
	"config.json",
	"generation_config.json",
	"preprocessor_config.json",
	"tokenizer.json",
	"vocab.json",
	"merges.txt",
	"pytorch_model.bin",
	"onnx/vision_encoder.onnx",
	"onnx/vision_encoder_fp16.onnx",
	"onnx/vision_encoder_q4.onnx",
	"onnx/embed_tokens.onnx",
	"onnx/embed_tokens_fp16.onnx",
	"onnx/encoder_model.onnx",
	"onnx/encoder_model_fp16.onnx",
	"onnx/decoder_model_merged.onnx",
	"onnx/decoder_model_merged_fp16.onnx",
	"onnx/decoder_model_merged.onnx_data",
	"onnx/decoder_model.onnx",
}

func TestSelectFiles(t *testing.T) {
	got := SelectFiles(repoFiles, VariantDefault)
	assert.Equal(t, []string{
		"config.json",
		"generation_config.json",
		"merges.txt",
		"onnx/decoder_model_merged.onnx",
		"onnx/decoder_model_merged.onnx_data",
		"onnx/embed_tokens.onnx",
		"onnx/encoder_model.onnx",
		"onnx/vision_encoder.onnx",
		"preprocessor_config.json",
		"tokenizer.json",
		"vocab.json",
	}, got)
	assert.True(t, hasGraphs(got))

	fp16 := SelectFiles(repoFiles, VariantFP16)
	assert.Contains(t, fp16, "onnx/vision_encoder_fp16.onnx")
	assert.Contains(t, fp16, "onnx/decoder_model_merged_fp16.onnx")
	assert.Contains(t, fp16, "onnx/vision_encoder.onnx")
	assert.NotContains(t, fp16, "onnx/vision_encoder_q4.onnx")
}

func TestSelectFiles_PrefersOnnxDir(t *testing.T) {
	got := SelectFiles([]string{"embed_tokens.onnx", "onnx/embed_tokens.onnx"}, VariantDefault)
	assert.Equal(t, []string{"onnx/embed_tokens.onnx"}, got)

	got = SelectFiles([]string{"onnx/embed_tokens.onnx", "embed_tokens.onnx"}, VariantDefault)
	assert.Equal(t, []string{"onnx/embed_tokens.onnx"}, got)
}

func TestSelectFiles_PyTorchOnly(t *testing.T) {
	got := SelectFiles([]string{"config.json", "pytorch_model.bin", "tokenizer.json"}, VariantDefault)
	assert.False(t, hasGraphs(got))
}

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		in      string
		want    ModelRef
		wantErr bool
	}{
		{in: "microsoft/Florence-2-base", want: ModelRef{Owner: "microsoft", Name: "Florence-2-base"}},
		{in: "hf:microsoft/Florence-2-large", want: ModelRef{Owner: "microsoft", Name: "Florence-2-large"}},
		{in: "florence", want: ModelRef{Name: "florence"}},
		{in: "", wantErr: true},
		{in: "a/b/c", wantErr: true},
		{in: "../escape", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModelRef(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestONNXMirror(t *testing.T) {
	assert.Equal(t, "onnx-community/Florence-2-base", ONNXMirror("microsoft/Florence-2-base"))
	assert.Equal(t, "", ONNXMirror("onnx-community/Florence-2-base"))
}

func TestModelDir(t *testing.T) {
	models := t.TempDir()
	dir, err := ModelDir(models, "microsoft/Florence-2-base")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(models, "microsoft", "Florence-2-base"), dir)

	local := t.TempDir()
	dir, err = ModelDir(models, local)
	require.NoError(t, err)
	assert.Equal(t, local, dir)
}

func writeModel(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range []string{
		"config.json", "tokenizer.json",
		"vision_encoder.onnx", "embed_tokens.onnx", "encoder_model.onnx", "decoder_model_merged.onnx",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
}

func TestEnsureModel(t *testing.T) {
	models := t.TempDir()
	client := NewClient(WithLogger(zaptest.NewLogger(t)))

	_, err := client.EnsureModel(context.Background(), models, "microsoft/Florence-2-base", VariantDefault, false)
	assert.ErrorContains(t, err, "captioner pull")

	writeModel(t, filepath.Join(models, "microsoft", "Florence-2-base"))
	assert.True(t, IsModelPresent(filepath.Join(models, "microsoft", "Florence-2-base")))

	dir, err := client.EnsureModel(context.Background(), models, "microsoft/Florence-2-base", VariantDefault, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(models, "microsoft", "Florence-2-base"), dir)
}

func TestPull_RejectsUnknownVariant(t *testing.T) {
	_, err := NewClient().Pull(context.Background(), "microsoft/Florence-2-base", t.TempDir(), "q4")
	assert.ErrorContains(t, err, "invalid variant")
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		Source:       "onnx-community/Florence-2-base",
		Variant:      VariantFP16,
		Files:        []string{"config.json"},
		DownloadedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, SaveManifest(dir, m))

	got, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Source, got.Source)
	assert.Equal(t, m.Files, got.Files)
	assert.True(t, m.DownloadedAt.Equal(got.DownloadedAt))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0o600))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, copyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}
