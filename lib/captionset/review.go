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
	"errors"
	"fmt"
	"io"
	"strings"
)

// LineReader yields one command line per call and io.EOF when input ends.
type LineReader interface {
	Readline() (string, error)
}

const reviewHelp = `Commands:
  show            show the current record
  edit <caption>  replace the caption of the current record
  first, prev, next, last
                  save the caption and move
  end             save and end the session
  help            this text
  quit            leave without saving the pending edit`

// Review runs an interactive session over nav until input ends, "quit" or
// "end". Concept, when set, is shown in the header.
func Review(in LineReader, out io.Writer, nav *Navigator, concept string) error {
	header := "Caption review"
	if concept != "" {
		header += ": " + concept
	}
	_, _ = fmt.Fprintln(out, header)
	_, _ = fmt.Fprintln(out, reviewHelp)

	view := nav.Current()
	pending := view.Caption
	printView(out, view)

	for {
		line, err := in.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")

		switch strings.ToLower(cmd) {
		case "":
			continue
		case "help", "?":
			_, _ = fmt.Fprintln(out, reviewHelp)
		case "show":
			v := nav.Current()
			v.Caption = pending
			printView(out, v)
		case "edit":
			if !view.Enabled {
				_, _ = fmt.Fprintln(out, "Navigation is disabled.")
				continue
			}
			pending = strings.TrimSpace(arg)
			_, _ = fmt.Fprintf(out, "Caption: %s\n", pending)
		case "first", "prev", "next", "last", "end":
			view, err = nav.Navigate(Direction(strings.ToLower(cmd)), pending)
			printView(out, view)
			if err != nil {
				return err
			}
			pending = view.Caption
			if nav.Ended() {
				return nil
			}
		case "quit", "exit":
			return nil
		default:
			_, _ = fmt.Fprintf(out, "Unknown command %q. Type help for commands.\n", cmd)
		}
	}
}

func printView(out io.Writer, v View) {
	_, _ = fmt.Fprintf(out, "[%s] %s\n", v.Progress, v.Image)
	if v.Caption != "" {
		_, _ = fmt.Fprintf(out, "  %s\n", v.Caption)
	}
	if v.Status != "" {
		_, _ = fmt.Fprintf(out, "  (%s)\n", v.Status)
	}
}
