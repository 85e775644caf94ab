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

package captioner

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic/encoder"
)

// Version information - set at build time via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status  string `json:"status"`
	ModelID string `json:"model_id"`
	Device  string `json:"device"`
}

// LivenessResponse is the body of /healthz.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the body of /readyz.
type ReadyResponse struct {
	Status  string     `json:"status"`
	ModelID string     `json:"model_id,omitempty"`
	Device  string     `json:"device,omitempty"`
	Queue   QueueStats `json:"queue"`
	// Cache is omitted when the caption cache is disabled.
	Cache *CaptionCacheStats `json:"cache,omitempty"`
}

// handleHealth answers any method with 200. The request body is drained and
// ignored.
func (n *CaptionerNode) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<20))
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		ModelID: n.captioner.ModelID(),
		Device:  string(n.captioner.Device()),
	})
}

// handleHealthz returns 200 if the service is running (liveness check)
func (n *CaptionerNode) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "ok"})
}

// handleReadyz returns 200 once the model handle is loaded.
func (n *CaptionerNode) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready", Queue: n.requestQueue.Stats()}
	if n.captioner == nil || n.captioner.ModelID() == "" {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.ModelID = n.captioner.ModelID()
	resp.Device = string(n.captioner.Device())
	if cached, ok := n.captioner.(*CachedCaptioner); ok {
		stats := cached.Stats()
		resp.Cache = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = encoder.NewStreamEncoder(w).Encode(v)
}
