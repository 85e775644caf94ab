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

// Package batch captions a directory of images through a running service.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/antflydb/captioner/lib/captionset"
	"github.com/antflydb/captioner/lib/client"
	"github.com/antflydb/captioner/lib/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
)

// DefaultWorkers is the number of uploads in flight. The service serializes
// generation, so more workers mostly overlap upload and decode.
const DefaultWorkers = 4

// Captioner uploads one image. *client.Client satisfies it.
type Captioner interface {
	Caption(ctx context.Context, filename string, image []byte, task, text string) (*client.CaptionResponse, error)
}

// Options configures Run.
type Options struct {
	Dir     string
	Task    string
	Text    string
	Workers int
	Logger  *zap.Logger
}

// Result is the outcome of a batch. Records are in sorted image order and
// only include images that were captioned.
type Result struct {
	Records []captionset.Record
	// Skipped lists files that are not supported images.
	Skipped []string
	// Failed maps image paths to their caption error.
	Failed map[string]error
}

type job struct {
	path   string
	record *captionset.Record
	err    error
}

// Run captions every supported image directly inside opts.Dir.
func Run(ctx context.Context, c Captioner, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", opts.Dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			paths = append(paths, filepath.Join(opts.Dir, e.Name()))
		}
	}
	slices.Sort(paths)

	result := &Result{Failed: map[string]error{}}
	jobs := make([]*job, 0, len(paths))
	for _, p := range paths {
		mt, err := mimetype.DetectFile(p)
		if err != nil || !imaging.IsSupportedMIME(mt.String()) {
			result.Skipped = append(result.Skipped, p)
			continue
		}
		jobs = append(jobs, &job{path: p})
	}

	logger.Info("Captioning images",
		zap.String("dir", opts.Dir),
		zap.Int("images", len(jobs)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("workers", workers))

	start := time.Now()
	var done atomic.Int64
	wp := workerpool.New(workers)
	for _, j := range jobs {
		wp.Submit(func() {
			defer done.Add(1)
			if err := ctx.Err(); err != nil {
				j.err = err
				return
			}
			data, err := os.ReadFile(j.path)
			if err != nil {
				j.err = err
				return
			}
			resp, err := c.Caption(ctx, filepath.Base(j.path), data, opts.Task, opts.Text)
			if err != nil {
				j.err = err
				logger.Warn("Caption failed", zap.String("image", j.path), zap.Error(err))
				return
			}
			caption := resp.Text()
			j.record = &captionset.Record{Image: j.path, RawCaption: caption, FinalCaption: caption}
			logger.Debug("Captioned image",
				zap.String("image", j.path),
				zap.Int64("done", done.Load()+1),
				zap.Int("total", len(jobs)))
		})
	}
	wp.StopWait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, j := range jobs {
		if j.err != nil {
			result.Failed[j.path] = j.err
			continue
		}
		result.Records = append(result.Records, *j.record)
	}
	logger.Info("Batch complete",
		zap.Int("captioned", len(result.Records)),
		zap.Int("failed", len(result.Failed)),
		zap.Duration("took", time.Since(start)))
	return result, nil
}
