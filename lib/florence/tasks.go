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

// Package florence implements the Florence-2 processor: task prompts,
// tokenization, pixel preprocessing and task-aware parsing of generated text.
package florence

import (
	"fmt"
	"slices"
	"strings"
)

// Family groups tasks that share an output shape.
type Family string

const (
	FamilyText            Family = "text"
	FamilyRegions         Family = "regions"
	FamilyPhraseGrounding Family = "phrase_grounding"
	FamilyProposals       Family = "proposals"
	FamilyQuadRegions     Family = "quad_regions"
	FamilyPolygons        Family = "polygons"
	FamilyMixed           Family = "mixed"
)

// Task tokens understood by Florence-2 models.
const (
	TaskCaption                         = "<CAPTION>"
	TaskDetailedCaption                 = "<DETAILED_CAPTION>"
	TaskMoreDetailedCaption             = "<MORE_DETAILED_CAPTION>"
	TaskOCR                             = "<OCR>"
	TaskOCRWithRegion                   = "<OCR_WITH_REGION>"
	TaskObjectDetection                 = "<OD>"
	TaskDenseRegionCaption              = "<DENSE_REGION_CAPTION>"
	TaskRegionProposal                  = "<REGION_PROPOSAL>"
	TaskCaptionToPhraseGrounding        = "<CAPTION_TO_PHRASE_GROUNDING>"
	TaskReferringExpressionSegmentation = "<REFERRING_EXPRESSION_SEGMENTATION>"
	TaskRegionToSegmentation            = "<REGION_TO_SEGMENTATION>"
	TaskOpenVocabularyDetection         = "<OPEN_VOCABULARY_DETECTION>"
	TaskRegionToCategory                = "<REGION_TO_CATEGORY>"
	TaskRegionToDescription             = "<REGION_TO_DESCRIPTION>"
	TaskRegionToOCR                     = "<REGION_TO_OCR>"
)

// DefaultTask is used when a request does not name a task.
const DefaultTask = TaskCaption

// TaskSpec describes one entry of the task vocabulary.
type TaskSpec struct {
	Token  string `json:"task"`
	Prompt string `json:"prompt"`
	Family Family `json:"family"`
	// TakesInput is set when Prompt contains an {input} placeholder.
	TakesInput bool `json:"takes_input"`
}

var taskSpecs = map[string]TaskSpec{
	TaskCaption:                         {TaskCaption, "What does the image describe?", FamilyText, false},
	TaskDetailedCaption:                 {TaskDetailedCaption, "Describe in detail what is shown in the image.", FamilyText, false},
	TaskMoreDetailedCaption:             {TaskMoreDetailedCaption, "Describe with a paragraph what is shown in the image.", FamilyText, false},
	TaskOCR:                             {TaskOCR, "What is the text in the image?", FamilyText, false},
	TaskOCRWithRegion:                   {TaskOCRWithRegion, "What is the text in the image, with regions?", FamilyQuadRegions, false},
	TaskObjectDetection:                 {TaskObjectDetection, "Locate the objects with category name in the image.", FamilyRegions, false},
	TaskDenseRegionCaption:              {TaskDenseRegionCaption, "Locate the objects in the image, with their descriptions.", FamilyRegions, false},
	TaskRegionProposal:                  {TaskRegionProposal, "Locate the region proposals in the image.", FamilyProposals, false},
	TaskCaptionToPhraseGrounding:        {TaskCaptionToPhraseGrounding, "Locate the phrases in the caption: {input}", FamilyPhraseGrounding, true},
	TaskReferringExpressionSegmentation: {TaskReferringExpressionSegmentation, "Locate {input} in the image with mask", FamilyPolygons, true},
	TaskRegionToSegmentation:            {TaskRegionToSegmentation, "What is the polygon mask of region {input}", FamilyPolygons, true},
	TaskOpenVocabularyDetection:         {TaskOpenVocabularyDetection, "Locate {input} in the image.", FamilyMixed, true},
	TaskRegionToCategory:                {TaskRegionToCategory, "What is the region {input}?", FamilyText, true},
	TaskRegionToDescription:             {TaskRegionToDescription, "What does the region {input} describe?", FamilyText, true},
	TaskRegionToOCR:                     {TaskRegionToOCR, "What text is in the region {input}?", FamilyText, true},
}

// LookupTask returns the vocabulary entry for a task token.
func LookupTask(token string) (TaskSpec, bool) {
	spec, ok := taskSpecs[token]
	return spec, ok
}

// KnownTasks returns the task vocabulary sorted by token.
func KnownTasks() []TaskSpec {
	specs := make([]TaskSpec, 0, len(taskSpecs))
	for _, spec := range taskSpecs {
		specs = append(specs, spec)
	}
	slices.SortFunc(specs, func(a, b TaskSpec) int { return strings.Compare(a.Token, b.Token) })
	return specs
}

// SplitTask separates a leading task token from inline input text, so that
// "<CAPTION_TO_PHRASE_GROUNDING>a red car" yields the grounding token and
// "a red car". Strings that do not start with a known token are returned
// unchanged with empty input.
func SplitTask(task string) (token, input string) {
	if _, ok := taskSpecs[task]; ok {
		return task, ""
	}
	if strings.HasPrefix(task, "<") {
		if end := strings.Index(task, ">"); end > 0 {
			if _, ok := taskSpecs[task[:end+1]]; ok {
				return task[:end+1], task[end+1:]
			}
		}
	}
	return task, ""
}

// BuildPrompt returns the text fed to the tokenizer for a task. Input given
// explicitly takes precedence over input embedded after the task token.
// Unknown tasks are passed through verbatim.
func BuildPrompt(task, input string) string {
	token, inline := SplitTask(task)
	spec, ok := taskSpecs[token]
	if !ok {
		return task
	}
	if !spec.TakesInput {
		return spec.Prompt
	}
	if input == "" {
		input = inline
	}
	return strings.ReplaceAll(spec.Prompt, "{input}", input)
}

// UnsupportedTaskError reports a task string outside the known vocabulary.
type UnsupportedTaskError struct {
	Task string
}

func (e *UnsupportedTaskError) Error() string {
	return fmt.Sprintf("unsupported task: %q", e.Task)
}

// ValidateTask rejects task strings whose leading token is not in the
// vocabulary.
func ValidateTask(task string) error {
	token, _ := SplitTask(task)
	if _, ok := taskSpecs[token]; !ok {
		return &UnsupportedTaskError{Task: task}
	}
	return nil
}
