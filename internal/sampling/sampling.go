// Package sampling implements the deterministic token-sampling pipeline
// of spec §4.3.1: presence penalty, greedy short-circuit, min_p, top_p,
// top_k, then categorical sample over softmax. No teacher code in
// _examples/nehraa-Omnyxnet implements sampling; this follows the
// spec's step order exactly, written in the same plain float64-slice
// style as the teacher's manual matrix math in pkg/compute/manager.go
// (no allocation-heavy numeric library).
package sampling

import (
	"math"
	"math/rand"
	"sort"
)

// Params mirrors job.SamplingParams without importing internal/job, to
// keep this package leaf-level and independently testable.
type Params struct {
	Temperature      float64
	TopK             int
	TopP             float64
	MinP             float64
	PresencePenalty  float64
}

const negInf = math.MaxFloat64 * -1

// Sample runs the full pipeline over logits (one entry per vocab id),
// given the token ids already generated (for the presence penalty) and
// an RNG supplying the final categorical draw. It returns the chosen
// token id.
func Sample(rng *rand.Rand, logits []float64, seen []int, p Params) int {
	work := make([]float64, len(logits))
	copy(work, logits)

	applyPresencePenalty(work, seen, p.PresencePenalty)

	if p.Temperature == 0 {
		return argmax(work)
	}
	for i := range work {
		work[i] /= p.Temperature
	}

	if p.MinP > 0 {
		applyMinP(work, p.MinP)
	}
	if p.TopP < 1 {
		applyTopP(work, p.TopP)
	}
	if p.TopK > 0 {
		applyTopK(work, p.TopK)
	}

	probs := softmax(work)
	return categoricalSample(rng, probs)
}

func applyPresencePenalty(logits []float64, seen []int, penalty float64) {
	if penalty == 0 {
		return
	}
	present := make(map[int]struct{}, len(seen))
	for _, id := range seen {
		present[id] = struct{}{}
	}
	for id := range present {
		if id >= 0 && id < len(logits) {
			logits[id] -= penalty
		}
	}
}

// argmax returns the index of the largest value, lowest index winning
// ties (spec §4.3.1: "stable descending sort, lowest index wins ties").
func argmax(logits []float64) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}

func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(v - max)
		out[i] = e
		sum += e
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

func applyMinP(logits []float64, minP float64) {
	probs := softmax(logits)
	maxP := 0.0
	for _, p := range probs {
		if p > maxP {
			maxP = p
		}
	}
	threshold := minP * maxP
	for i, p := range probs {
		if p < threshold {
			logits[i] = negInf
		}
	}
}

// rankedIndex pairs a logit with its original vocab position, for the
// stable sort that top_p/top_k need.
type rankedIndex struct {
	idx   int
	logit float64
}

func rankDescending(logits []float64) []rankedIndex {
	ranked := make([]rankedIndex, len(logits))
	for i, v := range logits {
		ranked[i] = rankedIndex{idx: i, logit: v}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].logit > ranked[b].logit
	})
	return ranked
}

func applyTopP(logits []float64, topP float64) {
	ranked := rankDescending(logits)
	probs := softmax(logits)

	cumulative := 0.0
	remove := make([]bool, len(ranked))
	for i, r := range ranked {
		cumulative += probs[r.idx]
		remove[i] = cumulative > topP
	}
	// Shift the removal mask right by one so the top token always
	// survives (spec §4.3.1 step 4).
	shifted := make([]bool, len(remove))
	for i := 1; i < len(remove); i++ {
		shifted[i] = remove[i-1]
	}
	for i, r := range ranked {
		if shifted[i] {
			logits[r.idx] = negInf
		}
	}
}

func applyTopK(logits []float64, topK int) {
	ranked := rankDescending(logits)
	if topK >= len(ranked) {
		return
	}
	for i := topK; i < len(ranked); i++ {
		logits[ranked[i].idx] = negInf
	}
}

func categoricalSample(rng *rand.Rand, probs []float64) int {
	r := rng.Float64()
	cumulative := 0.0
	for i, p := range probs {
		cumulative += p
		if r < cumulative {
			return i
		}
	}
	// floating point slop: fall back to the highest-index token with
	// nonzero probability, found by scanning from the end.
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return i
		}
	}
	return len(probs) - 1
}
