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

// Package captioner serves a Florence-2 vision-language model over HTTP.
package captioner

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/captioning"
	"go.uber.org/zap"
)

// corsMiddleware adds permissive CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Request-ID, Accept, Origin")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// RunAsCaptioner loads the model at config.ModelDir and serves it until ctx
// is cancelled. The model is resident before the listener starts. If readyC
// is non-nil, it is closed once the server accepts requests.
func RunAsCaptioner(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) {
	zl = zl.Named("captioner")
	config = config.withDefaults()
	zl.Info("Starting captioner node", zap.Any("config", config))

	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		zl.Fatal("Invalid API URL", zap.String("url", config.ApiUrl), zap.Error(err))
	}
	if config.ModelDir == "" {
		zl.Fatal("No model directory configured", zap.String("model", config.ModelID))
	}

	gpuMode := backends.ParseGPUMode(config.Gpu)
	gpuInfo := backends.DetectGPU()
	zl.Info("GPU detection complete",
		zap.Bool("available", gpuInfo.Available),
		zap.String("type", gpuInfo.Type),
		zap.String("device", gpuInfo.DeviceName),
		zap.String("mode", string(gpuMode)))

	loadStart := time.Now()
	pipeline, err := captioning.Load(captioning.LoadConfig{
		ModelID:    config.ModelID,
		ModelDir:   config.ModelDir,
		GPUMode:    gpuMode,
		NumThreads: config.NumThreads,
	}, zl.Named("pipeline"),
		captioning.WithDefaultTask(config.DefaultTask),
		captioning.WithStrictTasks(config.StrictTasks))
	if err != nil {
		zl.Fatal("Failed to load model", zap.String("model", config.ModelID), zap.Error(err))
	}
	defer func() { _ = pipeline.Close() }()
	RecordModelLoadDuration(config.ModelID, string(pipeline.Device()), time.Since(loadStart).Seconds())

	node, err := NewCaptionerNode(config, pipeline, zl)
	if err != nil {
		zl.Fatal("Invalid request settings", zap.Error(err))
	}
	defer node.Close()

	srv := &http.Server{
		Addr:              u.Host,
		Handler:           corsMiddleware(NewCaptionerAPI(zl, node)),
		ReadHeaderTimeout: 30 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zl.Info("Captioner api server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	if readyC != nil {
		close(readyC)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	srv.SetKeepAlivesEnabled(false)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
}
