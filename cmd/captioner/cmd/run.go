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
	"context"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/captioner"
	"github.com/antflydb/captioner/lib/cli"
	"github.com/antflydb/captioner/lib/modelhub"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the caption server",
	Long: `Start the caption server. The configured model is loaded once at
startup and pulled from the HuggingFace Hub first when it is missing and
auto_pull is enabled.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.Int("health-port", 4200, "health/metrics server port")
	f.String("api-url", captioner.DefaultApiUrl, "address the caption API listens on")
	f.String("model", captioner.DefaultModelID, "model id (owner/name) or local model directory")
	f.String("gpu", "auto", "GPU mode: auto, cuda or off")
	f.Bool("strict-tasks", false, "reject task tokens outside the Florence-2 vocabulary")
	f.Bool("auto-pull", true, "pull the model at startup when it is missing")

	mustBindPFlag("health_port", f.Lookup("health-port"))
	mustBindPFlag("api_url", f.Lookup("api-url"))
	mustBindPFlag("model_id", f.Lookup("model"))
	mustBindPFlag("gpu", f.Lookup("gpu"))
	mustBindPFlag("strict_tasks", f.Lookup("strict-tasks"))
	mustBindPFlag("auto_pull", f.Lookup("auto-pull"))
}

func configFromViper() captioner.Config {
	return captioner.Config{
		ApiUrl:                viper.GetString("api_url"),
		ModelID:               viper.GetString("model_id"),
		ModelsDir:             modelhub.ExpandHome(viper.GetString("models_dir")),
		DefaultTask:           viper.GetString("default_task"),
		StrictTasks:           viper.GetBool("strict_tasks"),
		AutoPull:              viper.GetBool("auto_pull"),
		HfToken:               viper.GetString("hf_token"),
		Gpu:                   viper.GetString("gpu"),
		NumThreads:            viper.GetInt("num_threads"),
		MaxConcurrentRequests: viper.GetInt("max_concurrent_requests"),
		MaxQueueSize:          viper.GetInt("max_queue_size"),
		RequestTimeout:        viper.GetString("request_timeout"),
		CacheTTL:              viper.GetString("cache_ttl"),
		MaxUploadBytes:        viper.GetInt64("max_upload_bytes"),
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create logger from config
	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Running as captioner", zap.String("version", Version))

	cfg := configFromViper()

	hub := modelhub.NewClient(
		modelhub.WithToken(cfg.HfToken),
		modelhub.WithProgress(cli.PrintProgress),
		modelhub.WithLogger(logger.Named("modelhub")),
	)
	dir, err := hub.EnsureModel(ctx, cfg.ModelsDir, cfg.ModelID, modelhub.VariantDefault, cfg.AutoPull)
	if err != nil {
		return fmt.Errorf("locating model: %w", err)
	}
	cfg.ModelDir = dir

	// Track readiness state
	ready := &atomic.Bool{}
	readyC := make(chan struct{})

	// Start health server with readiness checker
	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	go func() {
		select {
		case <-readyC:
			ready.Store(true)
			logger.Info("Captioner is ready")
		case <-ctx.Done():
		}
	}()

	captioner.RunAsCaptioner(ctx, logger, cfg, readyC)
	return nil
}
