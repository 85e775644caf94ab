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

package modelhub

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ModelRef is a parsed HuggingFace model identifier.
type ModelRef struct {
	// Owner is the namespace (e.g., "microsoft")
	Owner string
	// Name is the model name (e.g., "Florence-2-base")
	Name string
}

// FullName returns "owner/name".
func (r ModelRef) FullName() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

// DirPath returns the directory of the model relative to the models dir.
func (r ModelRef) DirPath() string {
	if r.Owner == "" {
		return r.Name
	}
	return filepath.Join(r.Owner, r.Name)
}

// ParseModelRef parses "owner/name" or a bare "name". A leading "hf:" is
// accepted and dropped.
func ParseModelRef(ref string) (ModelRef, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "hf:")
	if ref == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}

	parts := strings.SplitN(ref, "/", 2)
	result := ModelRef{Name: parts[0]}
	if len(parts) == 2 {
		result.Owner, result.Name = parts[0], parts[1]
	}
	if result.Name == "" || strings.Contains(result.Name, "/") || result.Owner == "." || result.Owner == ".." {
		return ModelRef{}, fmt.Errorf("invalid model reference: %q", ref)
	}
	return result, nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ModelDir resolves where modelID lives on disk. An existing local
// directory is used as-is; anything else maps to modelsDir/owner/name.
func ModelDir(modelsDir, modelID string) (string, error) {
	if info, err := os.Stat(ExpandHome(modelID)); err == nil && info.IsDir() {
		return ExpandHome(modelID), nil
	}
	ref, err := ParseModelRef(modelID)
	if err != nil {
		return "", err
	}
	return filepath.Join(ExpandHome(modelsDir), ref.DirPath()), nil
}
