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
	"github.com/antflydb/captioner/lib/batch"
	"github.com/antflydb/captioner/lib/captionset"
	"github.com/antflydb/captioner/lib/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Caption a directory of images through a running server",
	Long: `Upload every image in a directory to a running caption server and
write the captions as a JSON artifact and optional CSV, ready for review.

Files that are not supported images are skipped. Images that fail are
logged and left out of the artifact.

Examples:
  captioner batch --dir images/ --out captions.json --csv captions.csv
  captioner batch --dir images/ --out captions.json --task "<MORE_DETAILED_CAPTION>"`,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	f := batchCmd.Flags()
	f.String("dir", "", "directory of images to caption")
	f.String("out", "captions.json", "JSON artifact to write")
	f.String("csv", "captions.csv", "CSV file written alongside the JSON artifact")
	f.String("url", "http://localhost:8000", "caption server base URL")
	f.String("task", "", "task token sent with every image (server default when empty)")
	f.String("text", "", "text input for tasks that take one")
	f.Int("workers", batch.DefaultWorkers, "concurrent uploads")
	_ = batchCmd.MarkFlagRequired("dir")
}

func runBatch(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	dir, _ := f.GetString("dir")
	out, _ := f.GetString("out")
	csvPath, _ := f.GetString("csv")
	url, _ := f.GetString("url")
	task, _ := f.GetString("task")
	text, _ := f.GetString("text")
	workers, _ := f.GetInt("workers")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	c := client.New(url, nil)
	if _, err := c.Health(ctx); err != nil {
		return fmt.Errorf("caption server at %s is not reachable: %w", url, err)
	}

	res, err := batch.Run(ctx, c, batch.Options{
		Dir:     dir,
		Task:    task,
		Text:    text,
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := captionset.Save(res.Records, out, csvPath); err != nil {
		return fmt.Errorf("saving captions: %w", err)
	}
	logger.Info("Wrote captions",
		zap.String("json", out),
		zap.String("csv", csvPath),
		zap.Int("records", len(res.Records)))
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d images failed", len(res.Failed), len(res.Failed)+len(res.Records))
	}
	return nil
}
