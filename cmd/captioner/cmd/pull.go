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

package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/captioner/lib/cli"
	"github.com/antflydb/captioner/lib/modelhub"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pullCmd = &cobra.Command{
	Use:   "pull <model-id> [model-id...]",
	Short: "Pull Florence-2 ONNX model(s) from the HuggingFace Hub",
	Long: `Download one or more Florence-2 models from the HuggingFace Hub.

Models are stored under <models-dir>/<owner>/<name>/. When the repository
has no ONNX export, the onnx-community mirror is used instead.

Variants:
  (default) - FP32 graphs
  fp16      - FP16 half precision (~50% smaller)

Examples:
  # Pull the base model
  captioner pull microsoft/Florence-2-base

  # Pull the fp16 graphs of the large model
  captioner pull --variant fp16 microsoft/Florence-2-large

  # Pull to a custom directory
  captioner pull --models-dir /opt/antfly/models microsoft/Florence-2-base`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated models (or use HF_TOKEN env var)")
	pullCmd.Flags().String("variant", modelhub.VariantDefault,
		"ONNX variant to download (fp16)")
}

func runPull(cmd *cobra.Command, args []string) error {
	hfToken, _ := cmd.Flags().GetString("hf-token")
	variant, _ := cmd.Flags().GetString("variant")
	if hfToken == "" {
		hfToken = viper.GetString("hf_token")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	for _, modelID := range args {
		fmt.Printf("\n=== Pulling %s ===\n", modelID)
		dir, err := cli.PullModel(ctx, modelID, cli.PullOptions{
			ModelsDir: modelhub.ExpandHome(viper.GetString("models_dir")),
			HFToken:   hfToken,
			Variant:   variant,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", modelID, err)
		}
		fmt.Printf("Saved %s (%s) to %s\n", modelID, cli.VariantDescription(variant), dir)
	}
	return nil
}
