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

// Package captionset reads and writes caption artifacts: a JSON array of
// records plus a CSV mirror of the same rows.
package captionset

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
)

// CSVHeader is the column order of the CSV mirror.
var CSVHeader = []string{"image", "raw_caption", "final_caption"}

// Record is one captioned image.
type Record struct {
	Image        string `json:"image"`
	RawCaption   string `json:"raw_caption"`
	FinalCaption string `json:"final_caption"`
}

type rawRecord struct {
	Image        string  `json:"image"`
	RawCaption   *string `json:"raw_caption"`
	FinalCaption *string `json:"final_caption"`
}

// Load reads a caption JSON file. A missing raw_caption becomes "" and a
// missing final_caption starts out as the raw caption.
func Load(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading captions: %w", err)
	}
	var raw []rawRecord
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	records := make([]Record, len(raw))
	for i, r := range raw {
		records[i].Image = r.Image
		if r.RawCaption != nil {
			records[i].RawCaption = *r.RawCaption
		}
		records[i].FinalCaption = records[i].RawCaption
		if r.FinalCaption != nil {
			records[i].FinalCaption = *r.FinalCaption
		}
	}
	return records, nil
}

// Save writes records to jsonPath (2-space indent, non-ASCII kept literal)
// and to csvPath.
func Save(records []Record, jsonPath, csvPath string) error {
	if records == nil {
		records = []Record{}
	}
	data, err := sonic.ConfigDefault.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding captions: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", jsonPath, err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range records {
		if err := w.Write([]string{r.Image, r.RawCaption, r.FinalCaption}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encoding csv: %w", err)
	}
	if err := os.WriteFile(csvPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", csvPath, err)
	}
	return nil
}
