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

// Package backends provides inference sessions for ONNX model files and
// accelerator detection.
//
// The ONNX Runtime backend requires building with -tags="onnx,ORT":
//
//	go build -tags="onnx,ORT" ./cmd/captioner
//
// Without those tags no backend is registered and model loading fails with
// ErrNoBackend.
package backends

import "strings"

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend - fast CPU/GPU inference
	BackendONNX BackendType = "onnx"
)

// GPUMode controls how GPU acceleration is enabled.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto" // Auto-detect GPU availability
	GPUModeCuda GPUMode = "cuda" // Force CUDA
	GPUModeOff  GPUMode = "off"  // CPU only
)

// ParseGPUMode parses a string into GPUMode.
func ParseGPUMode(s string) GPUMode {
	switch strings.ToLower(s) {
	case "cuda", "gpu":
		return GPUModeCuda
	case "off", "cpu":
		return GPUModeOff
	default:
		return GPUModeAuto
	}
}

// GPUInfo contains information about the detected GPU
type GPUInfo struct {
	Available   bool   `json:"available"`
	Type        string `json:"type"` // "cuda", "none"
	DeviceName  string `json:"device_name,omitempty"`
	DriverVer   string `json:"driver_version,omitempty"`
	CUDAVersion string `json:"cuda_version,omitempty"`
}
