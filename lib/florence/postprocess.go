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
	"regexp"
	"strconv"
	"strings"
)

// NumLocBins is the number of quantization bins behind <loc_N> tokens.
const NumLocBins = 1000

var (
	locTokenRe = regexp.MustCompile(`<loc_(\d+)>`)
	regionRe   = regexp.MustCompile(`([^<]*)((?:<loc_\d+>)+)`)
	quadRe     = regexp.MustCompile(`(.+?)((?:<loc_\d+>){8})`)
	polygonRe  = regexp.MustCompile(`([^<]*)((?:<loc_\d+>|<sep>|<poly>|</poly>)+)`)

	specialTokenReplacer = strings.NewReplacer("<s>", "", "</s>", "", "<pad>", "")
)

// CleanText removes sequence markers and padding from decoded model output.
func CleanText(raw string) string {
	return strings.TrimSpace(specialTokenReplacer.Replace(raw))
}

// Parse converts decoded model output into the result shape of a task.
// Location tokens are mapped back to pixel coordinates of a width x height
// image. Tasks outside the vocabulary produce a fallback result holding the
// cleaned text.
func Parse(raw, task string, width, height int) Result {
	text := CleanText(raw)

	token, _ := SplitTask(task)
	spec, ok := taskSpecs[token]
	if !ok {
		return FallbackResult(text)
	}

	switch spec.Family {
	case FamilyRegions:
		return parseRegions(text, width, height, false, false)
	case FamilyProposals:
		return parseRegions(text, width, height, true, false)
	case FamilyPhraseGrounding:
		return parseRegions(text, width, height, false, true)
	case FamilyQuadRegions:
		return parseQuads(text, width, height)
	case FamilyPolygons:
		return parsePolygons(text, width, height)
	case FamilyMixed:
		return parseMixed(text, width, height)
	default:
		return TextResult(text)
	}
}

// Dequantize maps a location bin to the center of its pixel span, clamped to
// [0, size].
func Dequantize(bin, size int) float64 {
	v := (float64(bin) + 0.5) * float64(size) / NumLocBins
	return min(max(v, 0), float64(size))
}

func locBins(s string) []int {
	matches := locTokenRe.FindAllStringSubmatch(s, -1)
	bins := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		bins = append(bins, n)
	}
	return bins
}

// coords dequantizes alternating x, y bins.
func coords(bins []int, width, height int) []float64 {
	out := make([]float64, len(bins))
	for i, b := range bins {
		if i%2 == 0 {
			out[i] = Dequantize(b, width)
		} else {
			out[i] = Dequantize(b, height)
		}
	}
	return out
}

func parseRegions(text string, width, height int, dropLabels, skipEmpty bool) Result {
	res := Result{Kind: ResultRegions, Boxes: []Box{}, Labels: []string{}}
	for _, m := range regionRe.FindAllStringSubmatch(text, -1) {
		label := strings.TrimSpace(m[1])
		if skipEmpty && label == "" {
			continue
		}
		if dropLabels {
			label = ""
		}
		bins := locBins(m[2])
		for i := 0; i+4 <= len(bins); i += 4 {
			c := coords(bins[i:i+4], width, height)
			res.Boxes = append(res.Boxes, Box{c[0], c[1], c[2], c[3]})
			res.Labels = append(res.Labels, label)
		}
	}
	return res
}

func parseQuads(text string, width, height int) Result {
	res := Result{Kind: ResultQuadRegions, Quads: []Quad{}, Labels: []string{}}
	for _, m := range quadRe.FindAllStringSubmatch(text, -1) {
		c := coords(locBins(m[2]), width, height)
		var q Quad
		copy(q[:], c)
		res.Quads = append(res.Quads, q)
		res.Labels = append(res.Labels, strings.TrimSpace(m[1]))
	}
	return res
}

func parsePolygons(text string, width, height int) Result {
	res := Result{Kind: ResultPolygons, Polygons: [][]Polygon{}, PolygonLabels: []string{}}
	for _, m := range polygonRe.FindAllStringSubmatch(text, -1) {
		polys := splitPolygons(m[2], width, height)
		if len(polys) == 0 {
			continue
		}
		res.Polygons = append(res.Polygons, polys)
		res.PolygonLabels = append(res.PolygonLabels, strings.TrimSpace(m[1]))
	}
	return res
}

// splitPolygons turns a run of location and separator tokens into polygons.
// Odd trailing coordinates are dropped and polygons with fewer than three
// points are discarded.
func splitPolygons(run string, width, height int) []Polygon {
	run = strings.NewReplacer("<poly>", "<sep>", "</poly>", "<sep>").Replace(run)
	var polys []Polygon
	for _, part := range strings.Split(run, "<sep>") {
		bins := locBins(part)
		bins = bins[:len(bins)-len(bins)%2]
		if len(bins) < 6 {
			continue
		}
		polys = append(polys, Polygon(coords(bins, width, height)))
	}
	return polys
}

func parseMixed(text string, width, height int) Result {
	res := Result{
		Kind:          ResultMixed,
		Boxes:         []Box{},
		Labels:        []string{},
		Polygons:      [][]Polygon{},
		PolygonLabels: []string{},
	}
	if strings.Contains(text, "<poly>") {
		p := parsePolygons(text, width, height)
		res.Polygons, res.PolygonLabels = p.Polygons, p.PolygonLabels
		return res
	}
	r := parseRegions(text, width, height, false, false)
	res.Boxes, res.Labels = r.Boxes, r.Labels
	return res
}
