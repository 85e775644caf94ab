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
	"fmt"
	"time"

	"github.com/antflydb/captioner/lib/florence"
)

const (
	DefaultApiUrl         = "http://0.0.0.0:8000"
	DefaultModelID        = "microsoft/Florence-2-base"
	DefaultCacheTTL       = 5 * time.Minute
	DefaultMaxUploadBytes = 32 << 20
)

// Config holds the service settings.
type Config struct {
	// ApiUrl is the address the caption API listens on.
	ApiUrl string `json:"api_url,omitempty" yaml:"api_url,omitempty"`

	ModelID   string `json:"model_id,omitempty" yaml:"model_id,omitempty"`
	ModelsDir string `json:"models_dir,omitempty" yaml:"models_dir,omitempty"`
	// ModelDir is the resolved on-disk location of ModelID. Filled in by
	// the run command after the model is located or pulled.
	ModelDir string `json:"model_dir,omitempty" yaml:"model_dir,omitempty"`

	DefaultTask string `json:"default_task,omitempty" yaml:"default_task,omitempty"`
	StrictTasks bool   `json:"strict_tasks,omitempty" yaml:"strict_tasks,omitempty"`

	AutoPull bool   `json:"auto_pull,omitempty" yaml:"auto_pull,omitempty"`
	HfToken  string `json:"-" yaml:"hf_token,omitempty"`

	// Gpu is one of auto, cuda or off. Devices and precision follow from it.
	Gpu        string `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	NumThreads int    `json:"num_threads,omitempty" yaml:"num_threads,omitempty"`

	MaxConcurrentRequests int    `json:"max_concurrent_requests,omitempty" yaml:"max_concurrent_requests,omitempty"`
	MaxQueueSize          int    `json:"max_queue_size,omitempty" yaml:"max_queue_size,omitempty"`
	RequestTimeout        string `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`

	// CacheTTL is a duration; "0" disables the caption cache.
	CacheTTL       string `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	MaxUploadBytes int64  `json:"max_upload_bytes,omitempty" yaml:"max_upload_bytes,omitempty"`
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.ApiUrl == "" {
		c.ApiUrl = DefaultApiUrl
	}
	if c.ModelID == "" {
		c.ModelID = DefaultModelID
	}
	if c.DefaultTask == "" {
		c.DefaultTask = florence.DefaultTask
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return c
}

// parseDuration treats "" and "0" as disabled.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", name, value, err)
	}
	return d, nil
}

// cacheTTL returns the caption cache lifetime. An unset value means the
// default; an explicit "0" disables caching.
func (c Config) cacheTTL() (time.Duration, error) {
	if c.CacheTTL == "" {
		return DefaultCacheTTL, nil
	}
	return parseDuration("cache_ttl", c.CacheTTL)
}
