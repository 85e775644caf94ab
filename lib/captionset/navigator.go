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

package captionset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Direction is a navigation command.
type Direction string

const (
	First Direction = "first"
	Prev  Direction = "prev"
	Next  Direction = "next"
	Last  Direction = "last"
	End   Direction = "end"
)

// View is what the reviewer shows after a command.
type View struct {
	Image    string
	Caption  string
	Progress string
	Status   string
	Index    int
	// Enabled is false once the session has ended or when there is nothing
	// to review.
	Enabled bool
}

// Navigator walks a caption set, saving the edited caption on every move.
type Navigator struct {
	records  []Record
	jsonPath string
	csvPath  string
	dataDir  string
	idx      int
	ended    bool

	now func() time.Time
}

// Open loads jsonPath and returns a navigator that saves to jsonPath and
// csvPath.
func Open(jsonPath, csvPath string) (*Navigator, error) {
	records, err := Load(jsonPath)
	if err != nil {
		return nil, err
	}
	return NewNavigator(records, jsonPath, csvPath), nil
}

// NewNavigator creates a navigator over records. Relative image paths are
// resolved against the directory of jsonPath.
func NewNavigator(records []Record, jsonPath, csvPath string) *Navigator {
	return &Navigator{
		records:  records,
		jsonPath: jsonPath,
		csvPath:  csvPath,
		dataDir:  filepath.Dir(jsonPath),
		now:      time.Now,
	}
}

// Records returns the current records.
func (n *Navigator) Records() []Record {
	return n.records
}

// Ended reports whether End has been issued.
func (n *Navigator) Ended() bool {
	return n.ended
}

// ClampIndex limits idx to [0, length-1], or 0 for an empty set.
func ClampIndex(idx, length int) int {
	if length == 0 {
		return 0
	}
	return max(0, min(idx, length-1))
}

// ResolveImagePath returns p when it is absolute and exists. Otherwise the
// basename of p (with backslashes read as separators) is looked up in
// dataDir.
func ResolveImagePath(p, dataDir string) string {
	if p == "" {
		return p
	}
	if filepath.IsAbs(p) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	name := filepath.Base(filepath.FromSlash(strings.ReplaceAll(p, `\`, "/")))
	return filepath.Join(dataDir, name)
}

func (n *Navigator) progress() string {
	if len(n.records) == 0 {
		return "No records"
	}
	return fmt.Sprintf("%d / %d", n.idx+1, len(n.records))
}

func (n *Navigator) view(status string, enabled bool) View {
	if len(n.records) == 0 {
		return View{Progress: "No records", Status: status, Index: n.idx}
	}
	rec := n.records[n.idx]
	return View{
		Image:    ResolveImagePath(rec.Image, n.dataDir),
		Caption:  rec.FinalCaption,
		Progress: n.progress(),
		Status:   status,
		Index:    n.idx,
		Enabled:  enabled,
	}
}

// Current returns the view of the current record without saving.
func (n *Navigator) Current() View {
	if len(n.records) == 0 {
		return n.view("Nothing to review", false)
	}
	return n.view("", !n.ended)
}

// Navigate stores caption (trimmed) as the current record's final caption,
// saves both files and moves in dir.
func (n *Navigator) Navigate(dir Direction, caption string) (View, error) {
	if len(n.records) == 0 {
		return n.view("Nothing to save", false), nil
	}
	if n.ended {
		return n.view("Session ended.", false), nil
	}

	n.idx = ClampIndex(n.idx, len(n.records))
	n.records[n.idx].FinalCaption = strings.TrimSpace(caption)
	if err := Save(n.records, n.jsonPath, n.csvPath); err != nil {
		return n.view("Save failed: "+err.Error(), true), err
	}

	switch dir {
	case Next:
		n.idx = ClampIndex(n.idx+1, len(n.records))
	case Prev:
		n.idx = ClampIndex(n.idx-1, len(n.records))
	case First:
		n.idx = 0
	case Last:
		n.idx = len(n.records) - 1
	case End:
		n.ended = true
		return n.view("Session ended.", false), nil
	default:
		return n.view("", true), fmt.Errorf("unknown direction %q", dir)
	}

	return n.view("Saved "+n.now().Format("15:04:05"), true), nil
}
