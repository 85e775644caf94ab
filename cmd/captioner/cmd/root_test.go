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
	"testing"

	"github.com/antflydb/captioner"
	"github.com/stretchr/testify/assert"
)

func TestInitConfig_ModelIDAliases(t *testing.T) {
	t.Setenv("CAPTIONER_MODEL_ID", "")
	t.Setenv("FLORENCE_MODEL_ID", "microsoft/Florence-2-large")
	t.Setenv("CAPTIONER_CACHE_TTL", "0")
	initConfig()

	cfg := configFromViper()
	assert.Equal(t, "microsoft/Florence-2-large", cfg.ModelID)
	assert.Equal(t, "0", cfg.CacheTTL)
	assert.Equal(t, captioner.DefaultApiUrl, cfg.ApiUrl)
	assert.True(t, cfg.AutoPull)
	assert.NotContains(t, cfg.ModelsDir, "~")
}
