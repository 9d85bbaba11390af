package sampling

import (
	"math"
	"math/rand"
	"testing"
)

func TestGreedyIsDeterministicArgmax(t *testing.T) {
	logits := []float64{0.1, 5.0, 2.0, -1.0}
	p := Params{Temperature: 0}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5; i++ {
		got := Sample(rng, logits, nil, p)
		if got != 1 {
			t.Fatalf("greedy sample want index 1, got %d", got)
		}
	}
}

func TestGreedyAppliesPresencePenaltyFirst(t *testing.T) {
	logits := []float64{0.1, 5.0, 4.9, -1.0}
	p := Params{Temperature: 0, PresencePenalty: 1.0}
	rng := rand.New(rand.NewSource(1))
	got := Sample(rng, logits, []int{1}, p)
	if got != 2 {
		t.Fatalf("penalizing index 1 should make index 2 the argmax, got %d", got)
	}
}

func TestTopPAlwaysKeepsArgmax(t *testing.T) {
	logits := []float64{0.1, 5.0, 2.0, -1.0, 3.0}
	p := Params{Temperature: 1, TopP: 0.01, TopK: 0, MinP: 0}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		got := Sample(rng, append([]float64(nil), logits...), nil, p)
		if got != 1 {
			t.Fatalf("top_p must always preserve the argmax token, got %d", got)
		}
	}
}

func TestNeutralParamsMatchSoftmaxDistribution(t *testing.T) {
	logits := []float64{1, 2, 3}
	p := Params{Temperature: 1, TopP: 1, TopK: 0, MinP: 0}
	rng := rand.New(rand.NewSource(42))
	counts := make([]int, 3)
	const trials = 20000
	for i := 0; i < trials; i++ {
		counts[Sample(rng, logits, nil, p)]++
	}
	want := softmax(append([]float64(nil), logits...))
	for i, c := range want {
		got := float64(counts[i]) / trials
		if math.Abs(got-c) > 0.03 {
			t.Fatalf("index %d: empirical %v too far from softmax %v", i, got, c)
		}
	}
}

func TestTopKKeepsOnlyKLargest(t *testing.T) {
	logits := []float64{0.1, 5.0, 2.0, -1.0, 3.0}
	applyTopK(logits, 2)
	survivors := 0
	for _, v := range logits {
		if v != negInf {
			survivors++
		}
	}
	if survivors != 2 {
		t.Fatalf("want 2 survivors, got %d", survivors)
	}
	if logits[1] == negInf || logits[4] == negInf {
		t.Fatalf("the two largest logits (index 1 and 4) must survive top_k")
	}
}
