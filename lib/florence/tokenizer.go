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

package florence

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Tokenizer converts prompts to token ids and generated ids back to text.
type Tokenizer interface {
	// Encode tokenizes text, adding the model's BOS/EOS markers.
	Encode(text string) ([]int, error)
	// Decode converts ids to text. Special tokens are kept unless
	// skipSpecialTokens is set.
	Decode(ids []int, skipSpecialTokens bool) string
}

// hfTokenizer wraps a tokenizer.json loaded with sugarme/tokenizer.
type hfTokenizer struct {
	tk *tokenizer.Tokenizer
}

// LoadTokenizer loads tokenizer.json from a model directory.
func LoadTokenizer(modelPath string) (Tokenizer, error) {
	path := filepath.Join(modelPath, "tokenizer.json")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("tokenizer.json not found in %s: %w", modelPath, err)
	}
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer.json: %w", err)
	}
	return &hfTokenizer{tk: tk}, nil
}

func (t *hfTokenizer) Encode(text string) (ids []int, err error) {
	// sugarme/tokenizer can panic on malformed offsets in its normalizers.
	defer func() {
		if r := recover(); r != nil {
			ids = nil
			err = fmt.Errorf("tokenizer panic: %v", r)
		}
	}()

	enc, err := t.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("encoding prompt: %w", err)
	}
	return enc.Ids, nil
}

func (t *hfTokenizer) Decode(ids []int, skipSpecialTokens bool) string {
	return t.tk.Decode(ids, skipSpecialTokens)
}
