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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt(t *testing.T) {
	tests := []struct {
		task     string
		input    string
		expected string
	}{
		{TaskCaption, "", "What does the image describe?"},
		{TaskDetailedCaption, "", "Describe in detail what is shown in the image."},
		{TaskMoreDetailedCaption, "", "Describe with a paragraph what is shown in the image."},
		{TaskOCR, "", "What is the text in the image?"},
		{TaskOCRWithRegion, "", "What is the text in the image, with regions?"},
		{TaskObjectDetection, "", "Locate the objects with category name in the image."},
		{TaskDenseRegionCaption, "", "Locate the objects in the image, with their descriptions."},
		{TaskRegionProposal, "", "Locate the region proposals in the image."},
		{TaskCaptionToPhraseGrounding, "a green car", "Locate the phrases in the caption: a green car"},
		{TaskReferringExpressionSegmentation, "the dog", "Locate the dog in the image with mask"},
		{TaskRegionToSegmentation, "<loc_1><loc_2><loc_3><loc_4>", "What is the polygon mask of region <loc_1><loc_2><loc_3><loc_4>"},
		{TaskOpenVocabularyDetection, "a cat", "Locate a cat in the image."},
		{TaskRegionToCategory, "<loc_5>", "What is the region <loc_5>?"},
		{TaskRegionToDescription, "<loc_5>", "What does the region <loc_5> describe?"},
		{TaskRegionToOCR, "<loc_5>", "What text is in the region <loc_5>?"},
		// Input is ignored for tasks that take none.
		{TaskCaption, "ignored", "What does the image describe?"},
		// Inline input after the token.
		{"<CAPTION_TO_PHRASE_GROUNDING>a red bus", "", "Locate the phrases in the caption: a red bus"},
		// Explicit input wins over inline input.
		{"<CAPTION_TO_PHRASE_GROUNDING>a red bus", "a blue bus", "Locate the phrases in the caption: a blue bus"},
		// Unknown tasks pass through verbatim.
		{"Describe the weather.", "", "Describe the weather."},
		{"<DocVQA>What is the total?", "", "<DocVQA>What is the total?"},
	}

	for _, tt := range tests {
		t.Run(tt.task, func(t *testing.T) {
			assert.Equal(t, tt.expected, BuildPrompt(tt.task, tt.input))
		})
	}
}

func TestSplitTask(t *testing.T) {
	token, input := SplitTask("<OPEN_VOCABULARY_DETECTION>a cat")
	assert.Equal(t, TaskOpenVocabularyDetection, token)
	assert.Equal(t, "a cat", input)

	token, input = SplitTask(TaskObjectDetection)
	assert.Equal(t, TaskObjectDetection, token)
	assert.Empty(t, input)

	token, input = SplitTask("<NOPE>text")
	assert.Equal(t, "<NOPE>text", token)
	assert.Empty(t, input)

	token, input = SplitTask("")
	assert.Empty(t, token)
	assert.Empty(t, input)
}

func TestKnownTasks(t *testing.T) {
	tasks := KnownTasks()
	require.Len(t, tasks, 15)
	for i := 1; i < len(tasks); i++ {
		assert.Less(t, tasks[i-1].Token, tasks[i].Token)
	}

	spec, ok := LookupTask(TaskCaptionToPhraseGrounding)
	require.True(t, ok)
	assert.True(t, spec.TakesInput)
	assert.Equal(t, FamilyPhraseGrounding, spec.Family)

	_, ok = LookupTask("<UNKNOWN>")
	assert.False(t, ok)
}

func TestValidateTask(t *testing.T) {
	assert.NoError(t, ValidateTask(TaskCaption))
	assert.NoError(t, ValidateTask("<CAPTION_TO_PHRASE_GROUNDING>a red bus"))

	err := ValidateTask("<MADE_UP>")
	require.Error(t, err)
	var unsupported *UnsupportedTaskError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "<MADE_UP>", unsupported.Task)
	assert.Contains(t, err.Error(), "<MADE_UP>")
}
