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

// Package captioning runs one caption request end to end: decode, tensorize,
// align, generate and post-process.
package captioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antflydb/captioner/lib/florence"
	"github.com/antflydb/captioner/lib/generation"
	"github.com/antflydb/captioner/lib/imaging"
	"github.com/antflydb/captioner/lib/tensors"
	"go.uber.org/zap"
)

// Request is a single caption call.
type Request struct {
	Image []byte
	// Task is a task token such as <CAPTION>. Empty means the pipeline's
	// default task.
	Task string
	// Text is the input for tasks that take one.
	Text string
}

// Response is the outcome of a caption call.
type Response struct {
	ModelID string
	// Task is the task that ran, echoed back to the caller.
	Task   string
	Result florence.Result
	// Tokens is the length of the generated sequence.
	Tokens int
	Width  int
	Height int
}

// Pipeline is safe for concurrent use. Only generation is serialized.
type Pipeline struct {
	handle    *generation.ModelHandle
	processor *florence.Processor
	post      *florence.PostProcessor
	logger    *zap.Logger

	defaultTask  string
	strictTasks  bool
	numBeams     int
	maxNewTokens int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDefaultTask sets the task used when a request names none.
func WithDefaultTask(task string) Option {
	return func(p *Pipeline) {
		if task != "" {
			p.defaultTask = task
		}
	}
}

// WithStrictTasks rejects tasks outside the known vocabulary before any
// work is done.
func WithStrictTasks(strict bool) Option {
	return func(p *Pipeline) { p.strictTasks = strict }
}

// WithGenerationBounds overrides the beam width and new-token cap.
func WithGenerationBounds(numBeams, maxNewTokens int) Option {
	return func(p *Pipeline) {
		if numBeams > 0 {
			p.numBeams = numBeams
		}
		if maxNewTokens > 0 {
			p.maxNewTokens = maxNewTokens
		}
	}
}

// NewPipeline wires a loaded model handle to its tokenizer.
func NewPipeline(handle *generation.ModelHandle, tok florence.Tokenizer, imageCfg *imaging.ImageConfig, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		handle:       handle,
		processor:    florence.NewProcessor(tok, imageCfg),
		post:         florence.NewPostProcessor(tok),
		logger:       logger,
		defaultTask:  florence.DefaultTask,
		numBeams:     generation.DefaultNumBeams,
		maxNewTokens: generation.DefaultMaxNewTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ModelID returns the identifier of the resident model.
func (p *Pipeline) ModelID() string {
	return p.handle.ModelID
}

// Device returns where the model runs.
func (p *Pipeline) Device() tensors.Device {
	return p.handle.Device
}

// DefaultTask returns the task used for requests without one.
func (p *Pipeline) DefaultTask() string {
	return p.defaultTask
}

// ResolveTask returns the task a request will run and, in strict mode,
// rejects unknown tasks.
func (p *Pipeline) ResolveTask(task string) (string, error) {
	if task == "" {
		task = p.defaultTask
	}
	if p.strictTasks {
		if err := florence.ValidateTask(task); err != nil {
			return "", err
		}
	}
	return task, nil
}

// Caption runs req. Errors are *imaging.InvalidImageError for bad payloads,
// *florence.UnsupportedTaskError in strict mode, context errors on
// cancellation and *generation.GenerationError for model failures.
func (p *Pipeline) Caption(ctx context.Context, req Request) (*Response, error) {
	task, err := p.ResolveTask(req.Task)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	img, err := imaging.Decode(req.Image)
	if err != nil {
		return nil, err
	}

	bundle, err := p.processor.Process(task, req.Text, img)
	if err != nil {
		return nil, fmt.Errorf("preparing inputs: %w", err)
	}
	bundle = tensors.Align(bundle, p.handle.Device, p.handle.Precision)
	if err := tensors.Verify(bundle, p.handle.Device, p.handle.Precision); err != nil {
		return nil, fmt.Errorf("aligning inputs: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seq, err := p.handle.Generate(ctx, bundle, p.numBeams, p.maxNewTokens)
	if err != nil {
		return nil, err
	}

	result, err := p.post.Process(seq, task, img.Width, img.Height)
	if err != nil {
		return nil, fmt.Errorf("post-processing: %w", err)
	}

	p.logger.Debug("Caption complete",
		zap.String("task", task),
		zap.String("kind", string(result.Kind)),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.Int("tokens", len(seq)),
		zap.Duration("took", time.Since(start)))

	return &Response{
		ModelID: p.handle.ModelID,
		Task:    task,
		Result:  result,
		Tokens:  len(seq),
		Width:   img.Width,
		Height:  img.Height,
	}, nil
}

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	var invalid *imaging.InvalidImageError
	var unsupported *florence.UnsupportedTaskError
	return errors.As(err, &invalid) || errors.As(err, &unsupported)
}

// Close releases the model.
func (p *Pipeline) Close() error {
	return p.handle.Close()
}
