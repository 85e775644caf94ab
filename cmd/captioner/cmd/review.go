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
	"errors"
	"fmt"
	"io"

	"github.com/antflydb/captioner/lib/captionset"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review and edit captions interactively",
	Long: `Step through a caption artifact and edit each caption. Every move
saves the current caption to both the JSON artifact and the CSV.

Examples:
  captioner review --captions captions.json --csv captions.csv
  captioner review --captions captions.json --csv captions.csv --concept "red mug"`,
	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)

	f := reviewCmd.Flags()
	f.String("captions", "captions.json", "JSON caption artifact")
	f.String("csv", "captions.csv", "CSV file kept in sync with the artifact")
	f.String("concept", "", "concept name shown in the header")
}

func runReview(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	jsonPath, _ := f.GetString("captions")
	csvPath, _ := f.GetString("csv")
	concept, _ := f.GetString("concept")

	nav, err := captionset.Open(jsonPath, csvPath)
	if err != nil {
		return err
	}

	rl, err := readline.New("review> ")
	if err != nil {
		return fmt.Errorf("opening terminal: %w", err)
	}
	defer func() { _ = rl.Close() }()

	return captionset.Review(interruptReader{rl}, rl.Stdout(), nav, concept)
}

// interruptReader ends the session on Ctrl-C like it does on Ctrl-D.
type interruptReader struct {
	rl *readline.Instance
}

func (r interruptReader) Readline() (string, error) {
	line, err := r.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", io.EOF
	}
	return line, err
}
