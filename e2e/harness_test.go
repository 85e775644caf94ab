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

//go:build onnx && ORT

package e2e

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/antflydb/captioner/lib/modelhub"
	"go.uber.org/zap/zaptest"
)

// testModelsDir is the shared models directory for all e2e tests
var testModelsDir string

// modelDownloadMutex ensures only one model downloads at a time
var modelDownloadMutex sync.Mutex

// TestMain sets up the models directory. Downloads are lazy.
func TestMain(m *testing.M) {
	// Use CAPTIONER_MODELS_DIR if set, otherwise use a temp directory
	testModelsDir = os.Getenv("CAPTIONER_MODELS_DIR")
	cleanup := false
	if testModelsDir == "" {
		var err error
		testModelsDir, err = os.MkdirTemp("", "captioner-e2e-models-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create temp models dir: %v\n", err)
			os.Exit(1)
		}
		cleanup = os.Getenv("KEEP_TEST_MODELS") != "true"
	}

	fmt.Printf("E2E Test Setup: Using models directory: %s\n", testModelsDir)

	code := m.Run()
	if cleanup {
		_ = os.RemoveAll(testModelsDir)
	}
	os.Exit(code)
}

// ensureModel pulls modelID from the HuggingFace Hub if it is not present
// and returns its directory.
func ensureModel(t *testing.T, modelID string) string {
	t.Helper()

	modelDownloadMutex.Lock()
	defer modelDownloadMutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	// Only log at 25% milestones per file
	lastMilestone := make(map[string]int)
	client := modelhub.NewClient(
		modelhub.WithToken(os.Getenv("HF_TOKEN")),
		modelhub.WithLogger(zaptest.NewLogger(t)),
		modelhub.WithProgress(func(downloaded, total int64, filename string) {
			if total <= 0 {
				return
			}
			percent := float64(downloaded) / float64(total) * 100
			milestone := int(percent / 25)
			if milestone > lastMilestone[filename] {
				lastMilestone[filename] = milestone
				t.Logf("  %s: %.0f%%", filename, percent)
			}
		}),
	)

	dir, err := client.EnsureModel(ctx, testModelsDir, modelID, modelhub.VariantDefault, true)
	if err != nil {
		t.Fatalf("Failed to pull model %s: %v", modelID, err)
	}
	return dir
}

// findAvailablePort finds an available TCP port
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
