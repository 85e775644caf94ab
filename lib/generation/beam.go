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

package generation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
)

// StepFunc scores the next token for every running beam. All sequences
// have the same length. It returns one row of vocabulary logits per
// sequence, taken at the last position.
type StepFunc func(ctx context.Context, sequences [][]int) ([][]float32, error)

// BeamConfig controls BeamSearch.
type BeamConfig struct {
	NumBeams     int
	MaxNewTokens int

	DecoderStartTokenID int
	EOSTokenID          int
	PadTokenID          int
	// ForcedBOSTokenID is forced as the first generated token. -1 disables.
	ForcedBOSTokenID int
	// ForcedEOSTokenID is forced when the length cap is reached. -1 disables.
	ForcedEOSTokenID  int
	NoRepeatNGramSize int
	LengthPenalty     float64
	EarlyStopping     bool
}

// DefaultBeamConfig returns the decoding policy of the base captioning model.
func DefaultBeamConfig() BeamConfig {
	return BeamConfig{
		NumBeams:            DefaultNumBeams,
		MaxNewTokens:        DefaultMaxNewTokens,
		DecoderStartTokenID: 2,
		EOSTokenID:          2,
		PadTokenID:          1,
		ForcedBOSTokenID:    0,
		ForcedEOSTokenID:    2,
		NoRepeatNGramSize:   3,
		LengthPenalty:       1.0,
		EarlyStopping:       true,
	}
}

type beam struct {
	tokens []int
	score  float64
}

type candidate struct {
	beam  int
	token int
	score float64
}

// hypotheses keeps the best finished sequences, highest score first. Scores
// are normalized by the generated length: tokens after the decoder prompt,
// counting the closing EOS when there is one.
type hypotheses struct {
	size          int
	lengthPenalty float64
	promptLen     int
	items         []beam
}

func (h *hypotheses) generatedLen(tokens []int) int {
	return max(len(tokens)-h.promptLen, 1)
}

func (h *hypotheses) normalize(sumLogProbs float64, genLen int) float64 {
	return sumLogProbs / math.Pow(float64(genLen), h.lengthPenalty)
}

func (h *hypotheses) add(tokens []int, sumLogProbs float64) {
	score := h.normalize(sumLogProbs, h.generatedLen(tokens))
	if len(h.items) >= h.size && score <= h.items[len(h.items)-1].score {
		return
	}
	h.items = append(h.items, beam{tokens: tokens, score: score})
	slices.SortStableFunc(h.items, func(a, b beam) int {
		return cmp.Compare(b.score, a.score)
	})
	if len(h.items) > h.size {
		h.items = h.items[:h.size]
	}
}

func (h *hypotheses) worst() float64 {
	return h.items[len(h.items)-1].score
}

// done reports whether no running beam can still beat the kept hypotheses.
func (h *hypotheses) done(best beam, earlyStopping bool) bool {
	if len(h.items) < h.size {
		return false
	}
	if earlyStopping {
		return true
	}
	return h.worst() >= h.normalize(best.score, h.generatedLen(best.tokens))
}

// BeamSearch decodes deterministically from the decoder start token. The
// returned sequence begins with the start token and ends with EOS unless the
// length cap cut it off.
func BeamSearch(ctx context.Context, step StepFunc, cfg BeamConfig) ([]int, error) {
	if cfg.NumBeams <= 0 {
		return nil, fmt.Errorf("num beams must be positive, got %d", cfg.NumBeams)
	}
	if cfg.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("max new tokens must be positive, got %d", cfg.MaxNewTokens)
	}

	maxLen := 1 + cfg.MaxNewTokens
	beams := []beam{{tokens: []int{cfg.DecoderStartTokenID}}}
	hyps := &hypotheses{size: cfg.NumBeams, lengthPenalty: cfg.LengthPenalty, promptLen: len(beams[0].tokens)}
	finished := false

	for len(beams[0].tokens) < maxLen {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seqs := make([][]int, len(beams))
		for i, b := range beams {
			seqs[i] = b.tokens
		}
		logits, err := step(ctx, seqs)
		if err != nil {
			return nil, err
		}
		if len(logits) != len(beams) {
			return nil, fmt.Errorf("step returned %d rows for %d beams", len(logits), len(beams))
		}

		var cands []candidate
		for i, b := range beams {
			logProbs := logSoftmax(logits[i])
			processLogits(logProbs, b.tokens, maxLen, cfg)
			for tok, lp := range logProbs {
				if math.IsInf(lp, -1) {
					continue
				}
				cands = append(cands, candidate{beam: i, token: tok, score: b.score + lp})
			}
		}
		if len(cands) == 0 {
			return nil, errors.New("every candidate token was masked")
		}
		slices.SortFunc(cands, func(a, b candidate) int {
			if c := cmp.Compare(b.score, a.score); c != 0 {
				return c
			}
			if c := cmp.Compare(a.beam, b.beam); c != 0 {
				return c
			}
			return cmp.Compare(a.token, b.token)
		})
		if len(cands) > 2*cfg.NumBeams {
			cands = cands[:2*cfg.NumBeams]
		}

		next := make([]beam, 0, cfg.NumBeams)
		for rank, c := range cands {
			parent := beams[c.beam].tokens
			if c.token == cfg.EOSTokenID {
				if rank < cfg.NumBeams {
					hyps.add(appendToken(parent, c.token), c.score)
				}
				continue
			}
			next = append(next, beam{tokens: appendToken(parent, c.token), score: c.score})
			if len(next) == cfg.NumBeams {
				break
			}
		}
		if len(next) == 0 {
			finished = true
			break
		}
		beams = next

		if hyps.done(beams[0], cfg.EarlyStopping) {
			finished = true
			break
		}
	}

	if !finished {
		for _, b := range beams {
			hyps.add(b.tokens, b.score)
		}
	}
	if len(hyps.items) == 0 {
		return nil, errors.New("beam search produced no hypotheses")
	}

	best := slices.Clone(hyps.items[0].tokens)
	if best[len(best)-1] != cfg.EOSTokenID && len(best) < maxLen {
		best = append(best, cfg.EOSTokenID)
	}
	return best, nil
}

func appendToken(tokens []int, tok int) []int {
	out := make([]int, len(tokens)+1)
	copy(out, tokens)
	out[len(tokens)] = tok
	return out
}

func logSoftmax(logits []float32) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxLogit)
	}
	logSum := maxLogit + math.Log(sum)

	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v) - logSum
	}
	return out
}

// processLogits applies the no-repeat n-gram ban and the forced BOS/EOS
// rules in place.
func processLogits(logProbs []float64, seq []int, maxLen int, cfg BeamConfig) {
	banRepeatedNGrams(logProbs, seq, cfg.NoRepeatNGramSize)

	switch {
	case len(seq) == 1 && cfg.ForcedBOSTokenID >= 0:
		forceToken(logProbs, cfg.ForcedBOSTokenID)
	case len(seq) == maxLen-1 && cfg.ForcedEOSTokenID >= 0:
		forceToken(logProbs, cfg.ForcedEOSTokenID)
	}
}

func forceToken(logProbs []float64, tok int) {
	if tok >= len(logProbs) {
		return
	}
	for i := range logProbs {
		logProbs[i] = math.Inf(-1)
	}
	logProbs[tok] = 0
}

// banRepeatedNGrams masks every token that would complete an n-gram already
// present in seq.
func banRepeatedNGrams(logProbs []float64, seq []int, n int) {
	if n <= 0 || len(seq)+1 < n {
		return
	}
	prefix := seq[len(seq)-n+1:]
	for i := 0; i+n <= len(seq); i++ {
		if slices.Equal(seq[i:i+n-1], prefix) {
			if tok := seq[i+n-1]; tok < len(logProbs) {
				logProbs[tok] = math.Inf(-1)
			}
		}
	}
}
