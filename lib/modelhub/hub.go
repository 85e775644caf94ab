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

// Package modelhub resolves captioning models on disk and pulls them from
// the HuggingFace Hub.
package modelhub

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/antflydb/captioner/lib/generation"
	"github.com/bytedance/sonic"
	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
)

// Supported variants.
const (
	VariantDefault = ""
	VariantFP16    = "fp16"
)

// ManifestFilename is written next to pulled model files.
const ManifestFilename = "captioner_manifest.json"

// graphs are the ONNX graph basenames a Florence-2 export must provide.
var graphs = []string{
	"vision_encoder",
	"embed_tokens",
	"encoder_model",
	"decoder_model_merged",
}

var supportFiles = map[string]bool{
	"config.json":              true,
	"generation_config.json":   true,
	"preprocessor_config.json": true,
	"processor_config.json":    true,
	"tokenizer.json":           true,
	"tokenizer_config.json":    true,
	"special_tokens_map.json":  true,
	"added_tokens.json":        true,
	"vocab.json":               true,
	"merges.txt":               true,
}

// ProgressHandler is called before (0, 0) and after each file copy.
type ProgressHandler func(downloaded, total int64, filename string)

// Manifest records where a pulled model came from.
type Manifest struct {
	Source       string    `json:"source"`
	Variant      string    `json:"variant,omitempty"`
	Files        []string  `json:"files"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Client pulls models from the HuggingFace Hub.
type Client struct {
	token    string
	progress ProgressHandler
	logger   *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the HuggingFace token for gated repos.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithProgress sets the per-file progress callback.
func WithProgress(h ProgressHandler) Option {
	return func(c *Client) { c.progress = h }
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a hub client.
func NewClient(opts ...Option) *Client {
	c := &Client{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsValidVariant reports whether variant can be pulled.
func IsValidVariant(variant string) bool {
	return variant == VariantDefault || variant == VariantFP16
}

// IsModelPresent reports whether dir holds a loadable model: the four graphs,
// the model config and the tokenizer.
func IsModelPresent(dir string) bool {
	if !generation.IsFlorence2Model(dir) {
		return false
	}
	for _, name := range []string{"config.json", "tokenizer.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// SelectFiles picks the repo files needed to run the model in variant.
// When a graph exists both at the root and under onnx/, the onnx/ copy wins.
// The fp16 variant also keeps the full precision graphs so the model can
// still run on the cpu.
func SelectFiles(files []string, variant string) []string {
	wanted := make(map[string]bool)
	for _, g := range graphs {
		wanted[g+".onnx"] = true
		if variant == VariantFP16 {
			wanted[g+"_fp16.onnx"] = true
		}
	}

	byBase := make(map[string]string)
	for _, f := range files {
		dir, base := filepath.Dir(f), filepath.Base(f)
		switch {
		case supportFiles[base] && dir == ".":
		case wanted[strings.TrimSuffix(strings.TrimSuffix(base, "_data"), ".data")] && (dir == "." || dir == "onnx"):
		default:
			continue
		}
		if prev, ok := byBase[base]; ok && filepath.Dir(prev) == "onnx" {
			continue
		}
		byBase[base] = f
	}

	out := make([]string, 0, len(byBase))
	for _, f := range byBase {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

func hasGraphs(selected []string) bool {
	for _, g := range graphs {
		if !slices.ContainsFunc(selected, func(f string) bool { return filepath.Base(f) == g+".onnx" }) {
			return false
		}
	}
	return true
}

// ONNXMirror maps a model id to the community ONNX export of the same model.
func ONNXMirror(repoID string) string {
	ref, err := ParseModelRef(repoID)
	if err != nil || ref.Owner == "onnx-community" {
		return ""
	}
	return "onnx-community/" + ref.Name
}

// Pull downloads repoID into destDir (flattened) and returns the list of
// files written. Repos that only publish PyTorch weights are retried against
// their onnx-community export.
func (c *Client) Pull(ctx context.Context, repoID, destDir, variant string) ([]string, error) {
	if !IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid variant %q: valid variants are %q and %q", variant, VariantDefault, VariantFP16)
	}

	repo, toDownload, err := c.listRepo(repoID, variant)
	if err != nil {
		return nil, err
	}
	source := repoID
	if !hasGraphs(toDownload) {
		mirror := ONNXMirror(repoID)
		if mirror == "" {
			return nil, fmt.Errorf("no ONNX export found in %s", repoID)
		}
		c.logger.Info("Repository has no ONNX graphs, trying export",
			zap.String("repo", repoID), zap.String("mirror", mirror))
		repo, toDownload, err = c.listRepo(mirror, variant)
		if err != nil {
			return nil, err
		}
		if !hasGraphs(toDownload) {
			return nil, fmt.Errorf("no ONNX export found in %s or %s", repoID, mirror)
		}
		source = mirror
	}
	// The tokenizer and configs come from whichever repo had the graphs.

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	var written []string
	for _, fileName := range toDownload {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return nil, fmt.Errorf("downloading %s: %w", fileName, err)
		}

		destName := filepath.Base(fileName)
		if c.progress != nil {
			c.progress(0, 0, destName)
		}
		if err := copyFile(localPath, filepath.Join(destDir, destName)); err != nil {
			return nil, fmt.Errorf("copying %s: %w", fileName, err)
		}
		if c.progress != nil {
			if info, err := os.Stat(filepath.Join(destDir, destName)); err == nil {
				c.progress(info.Size(), info.Size(), destName)
			}
		}
		written = append(written, destName)
		c.logger.Debug("Downloaded model file", zap.String("file", fileName))
	}

	manifest := Manifest{Source: source, Variant: variant, Files: written, DownloadedAt: time.Now().UTC()}
	if err := SaveManifest(destDir, &manifest); err != nil {
		c.logger.Warn("Failed to write manifest", zap.Error(err))
	}
	return written, nil
}

func (c *Client) listRepo(repoID, variant string) (*hub.Repo, []string, error) {
	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}

	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, nil, fmt.Errorf("listing files of %s: %w", repoID, err)
		}
		files = append(files, fileName)
	}
	return repo, SelectFiles(files, variant), nil
}

// EnsureModel returns the local directory of modelID, pulling it first when
// it is missing and autoPull is set.
func (c *Client) EnsureModel(ctx context.Context, modelsDir, modelID, variant string, autoPull bool) (string, error) {
	dir, err := ModelDir(modelsDir, modelID)
	if err != nil {
		return "", err
	}
	if IsModelPresent(dir) {
		return dir, nil
	}
	if !autoPull {
		return "", fmt.Errorf("model %s not found in %s (run: captioner pull %s)", modelID, dir, modelID)
	}

	c.logger.Info("Model not found locally, pulling",
		zap.String("model", modelID), zap.String("dir", dir))
	start := time.Now()
	if _, err := c.Pull(ctx, modelID, dir, variant); err != nil {
		return "", fmt.Errorf("pulling %s: %w", modelID, err)
	}
	c.logger.Info("Model pulled", zap.String("model", modelID), zap.Duration("took", time.Since(start)))
	return dir, nil
}

// SaveManifest writes m into dir.
func SaveManifest(dir string, m *Manifest) error {
	data, err := sonic.ConfigStd.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFilename), data, 0o644)
}

// LoadManifest reads the manifest in dir.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}

	return dstFile.Close()
}
