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

import "github.com/bytedance/sonic"

// ResultKind tags the variant held by a Result.
type ResultKind string

const (
	// ResultText is a plain string answer (captions, OCR, region queries).
	ResultText ResultKind = "text"
	// ResultRegions holds axis-aligned boxes with one label per box.
	ResultRegions ResultKind = "regions"
	// ResultQuadRegions holds OCR quadrilaterals with one label per quad.
	ResultQuadRegions ResultKind = "quad_regions"
	// ResultPolygons holds segmentation polygons grouped per label.
	ResultPolygons ResultKind = "polygons"
	// ResultMixed holds open-vocabulary output: boxes and polygons side by side.
	ResultMixed ResultKind = "mixed"
	// ResultFallback is the cleaned raw text for a task outside the vocabulary.
	ResultFallback ResultKind = "fallback"
)

// Box is an axis-aligned box as [x1, y1, x2, y2] in pixels.
type Box [4]float64

// Quad is a quadrilateral as [x1, y1, x2, y2, x3, y3, x4, y4] in pixels.
type Quad [8]float64

// Polygon is a flat list of x, y pixel coordinates.
type Polygon []float64

// Result is the task-shaped output of the post-processor. Only the fields
// belonging to Kind are populated.
type Result struct {
	Kind ResultKind

	Text string

	Boxes  []Box
	Labels []string

	Quads []Quad

	// Polygons[i] are the polygons of instance i, labelled PolygonLabels[i].
	Polygons      [][]Polygon
	PolygonLabels []string
}

// TextResult builds a text variant.
func TextResult(text string) Result {
	return Result{Kind: ResultText, Text: text}
}

// FallbackResult builds the fallback variant.
func FallbackResult(text string) Result {
	return Result{Kind: ResultFallback, Text: text}
}

// IsStructured reports whether the result carries region data rather than a
// string.
func (r Result) IsStructured() bool {
	return r.Kind != ResultText && r.Kind != ResultFallback
}

type regionsJSON struct {
	Boxes  []Box    `json:"bboxes"`
	Labels []string `json:"labels"`
}

type quadsJSON struct {
	Quads  []Quad   `json:"quad_boxes"`
	Labels []string `json:"labels"`
}

type polygonsJSON struct {
	Polygons [][]Polygon `json:"polygons"`
	Labels   []string    `json:"labels"`
}

type mixedJSON struct {
	Boxes         []Box       `json:"bboxes"`
	BoxLabels     []string    `json:"bboxes_labels"`
	Polygons      [][]Polygon `json:"polygons"`
	PolygonLabels []string    `json:"polygons_labels"`
}

// MarshalJSON encodes text variants as a JSON string and structured variants
// as an object. Empty collections encode as [] rather than null.
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case ResultRegions:
		return sonic.Marshal(regionsJSON{Boxes: nonNil(r.Boxes), Labels: nonNil(r.Labels)})
	case ResultQuadRegions:
		return sonic.Marshal(quadsJSON{Quads: nonNil(r.Quads), Labels: nonNil(r.Labels)})
	case ResultPolygons:
		return sonic.Marshal(polygonsJSON{Polygons: nonNil(r.Polygons), Labels: nonNil(r.PolygonLabels)})
	case ResultMixed:
		return sonic.Marshal(mixedJSON{
			Boxes:         nonNil(r.Boxes),
			BoxLabels:     nonNil(r.Labels),
			Polygons:      nonNil(r.Polygons),
			PolygonLabels: nonNil(r.PolygonLabels),
		})
	default:
		return sonic.Marshal(r.Text)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
