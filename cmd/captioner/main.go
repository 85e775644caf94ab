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

// Command captioner serves a Florence-2 captioning model over HTTP.
//
// Usage:
//
//	captioner run                                   # Start the server
//	captioner pull microsoft/Florence-2-base        # Download a model
//	captioner list                                  # List local models
//	captioner batch --dir images/ --out captions.json
//	captioner review --captions captions.json --csv captions.csv
package main

import (
	"github.com/antflydb/captioner/cmd/captioner/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.Version = version
	cmd.GitCommit = commit
	cmd.BuildTime = date
	cmd.Execute()
}
