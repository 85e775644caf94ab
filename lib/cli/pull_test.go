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

package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antflydb/captioner/lib/modelhub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range []string{
		"config.json", "tokenizer.json",
		"vision_encoder.onnx", "embed_tokens.onnx", "encoder_model.onnx", "decoder_model_merged.onnx",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("0123456789"), 0o600))
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}

func TestFindLocalModels(t *testing.T) {
	root := t.TempDir()
	writeModel(t, filepath.Join(root, "microsoft", "Florence-2-base"))
	writeModel(t, filepath.Join(root, "local-florence"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "microsoft", "incomplete"), 0o755))
	require.NoError(t, modelhub.SaveManifest(filepath.Join(root, "microsoft", "Florence-2-base"), &modelhub.Manifest{
		Source:       "onnx-community/Florence-2-base",
		Variant:      modelhub.VariantFP16,
		DownloadedAt: time.Now(),
	}))

	models, err := FindLocalModels(root)
	require.NoError(t, err)
	require.Len(t, models, 2)

	byID := map[string]LocalModel{}
	for _, m := range models {
		byID[m.ID] = m
	}
	require.Contains(t, byID, "microsoft/Florence-2-base")
	require.Contains(t, byID, "local-florence")
	assert.Equal(t, "onnx-community/Florence-2-base", byID["microsoft/Florence-2-base"].Source)
	assert.Equal(t, modelhub.VariantFP16, byID["microsoft/Florence-2-base"].Variant)
	assert.Equal(t, int64(60), byID["local-florence"].Size)
}

func TestFindLocalModels_MissingDir(t *testing.T) {
	models, err := FindLocalModels(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestListLocalModels(t *testing.T) {
	root := t.TempDir()
	var out bytes.Buffer
	require.NoError(t, ListLocalModels(ListOptions{ModelsDir: root, Out: &out}))
	assert.Contains(t, out.String(), "captioner pull")

	writeModel(t, filepath.Join(root, "microsoft", "Florence-2-large"))
	out.Reset()
	require.NoError(t, ListLocalModels(ListOptions{ModelsDir: root, Out: &out}))
	assert.Contains(t, out.String(), "microsoft/Florence-2-large")
	assert.Contains(t, out.String(), "default")
}

func TestPullModel_Validation(t *testing.T) {
	_, err := PullModel(context.Background(), "microsoft/Florence-2-base", PullOptions{ModelsDir: t.TempDir(), Variant: "int4"})
	assert.ErrorContains(t, err, "invalid variant")

	_, err = PullModel(context.Background(), "a/b/c", PullOptions{ModelsDir: t.TempDir()})
	assert.Error(t, err)
}
