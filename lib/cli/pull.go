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

// Package cli provides the terminal side of model management: pulling with
// progress output and listing what is installed.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/antflydb/captioner/lib/modelhub"
	"go.uber.org/zap"
)

// PullOptions contains options for pulling models from the HuggingFace Hub
type PullOptions struct {
	ModelsDir string
	HFToken   string
	Variant   string // "" or "fp16"
	Logger    *zap.Logger
}

// ListOptions contains options for listing models
type ListOptions struct {
	ModelsDir  string
	BinaryName string // used in help messages
	Out        io.Writer
}

// LocalModel is one installed model.
type LocalModel struct {
	ID      string
	Dir     string
	Source  string
	Variant string
	Size    int64
}

// PullModel downloads modelID into ModelsDir/owner/name.
func PullModel(ctx context.Context, modelID string, opts PullOptions) (string, error) {
	if !modelhub.IsValidVariant(opts.Variant) {
		return "", fmt.Errorf("invalid variant %q, valid options: %s", opts.Variant, modelhub.VariantFP16)
	}
	ref, err := modelhub.ParseModelRef(modelID)
	if err != nil {
		return "", err
	}

	hfToken := opts.HFToken
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := modelhub.NewClient(
		modelhub.WithToken(hfToken),
		modelhub.WithProgress(PrintProgress),
		modelhub.WithLogger(logger),
	)

	destDir := filepath.Join(modelhub.ExpandHome(opts.ModelsDir), ref.DirPath())
	fmt.Printf("Pulling from HuggingFace: %s\n", ref.FullName())
	fmt.Printf("Variant: %s\n", VariantDescription(opts.Variant))
	fmt.Println()
	fmt.Println("Downloading files...")

	if _, err := client.Pull(ctx, ref.FullName(), destDir, opts.Variant); err != nil {
		return "", fmt.Errorf("failed to pull model: %w", err)
	}

	fmt.Printf("\n✓ Model pulled successfully to %s\n", destDir)
	return destDir, nil
}

// VariantDescription describes a variant for display.
func VariantDescription(variant string) string {
	if variant == modelhub.VariantFP16 {
		return "fp16 (half precision, for GPU)"
	}
	return "default (fp32)"
}

// FindLocalModels returns every loadable model under modelsDir, laid out as
// owner/name or bare name.
func FindLocalModels(modelsDir string) ([]LocalModel, error) {
	root := modelhub.ExpandHome(modelsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var models []LocalModel
	add := func(id, dir string) {
		if !modelhub.IsModelPresent(dir) {
			return
		}
		m := LocalModel{ID: id, Dir: dir, Size: dirSize(dir)}
		if manifest, err := modelhub.LoadManifest(dir); err == nil {
			m.Source = manifest.Source
			m.Variant = manifest.Variant
		}
		models = append(models, m)
	}

	for _, owner := range entries {
		if !owner.IsDir() {
			continue
		}
		ownerDir := filepath.Join(root, owner.Name())
		if modelhub.IsModelPresent(ownerDir) {
			add(owner.Name(), ownerDir)
			continue
		}
		names, err := os.ReadDir(ownerDir)
		if err != nil {
			continue
		}
		for _, name := range names {
			if name.IsDir() {
				add(owner.Name()+"/"+name.Name(), filepath.Join(ownerDir, name.Name()))
			}
		}
	}
	return models, nil
}

// ListLocalModels prints installed models as a table.
func ListLocalModels(opts ListOptions) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	models, err := FindLocalModels(opts.ModelsDir)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "Local models in %s:\n\n", opts.ModelsDir)
	if len(models) == 0 {
		binaryName := opts.BinaryName
		if binaryName == "" {
			binaryName = "captioner"
		}
		_, _ = fmt.Fprintln(out, "No models found locally.")
		_, _ = fmt.Fprintf(out, "\nUse '%s pull <model-id>' to download a model.\n", binaryName)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MODEL\tSIZE\tVARIANT\tSOURCE")
	for _, m := range models {
		variant := m.Variant
		if variant == "" {
			variant = "default"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, FormatBytes(m.Size), variant, m.Source)
	}
	return w.Flush()
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// PrintProgress prints download progress to stdout
func PrintProgress(downloaded, total int64, filename string) {
	if total <= 0 {
		fmt.Printf("\r  %s: %s", filename, FormatBytes(downloaded))
		return
	}

	percent := float64(downloaded) / float64(total) * 100
	barWidth := 30
	filled := int(float64(barWidth) * float64(downloaded) / float64(total))

	bar := strings.Repeat("=", filled) + strings.Repeat("-", barWidth-filled)
	fmt.Printf("\r  %s: [%s] %.1f%% (%s/%s)",
		filename, bar, percent, FormatBytes(downloaded), FormatBytes(total))

	if downloaded >= total {
		fmt.Println()
	}
}
