// Package model defines the capability interfaces the FSM drives (spec
// §4.3, §4.4) and a deterministic stub implementation standing in for
// the real tensor kernels, which are explicitly out of scope (spec §1).
// The interface-per-capability shape replaces the deep inheritance the
// spec calls out in §9, grounded on the teacher's small-interface style
// in pkg/api/node.go (NodeStore/NetworkManager/RPCServer).
package model

import (
	"math/rand"

	"github.com/lang-pipes/lpnode/internal/job"
	"github.com/lang-pipes/lpnode/internal/sampling"
	"github.com/lang-pipes/lpnode/internal/tensor"
)

// Cache is a per-request KV cache handle. Its contents are opaque to the
// FSM; only the owning model implementation reads or writes it.
type Cache interface {
	// Release frees any resources backing the cache; called by
	// fsm.Processor on normal completion and by its cache sweep once the
	// job is no longer in the tracker.
	Release()
}

// EndModel is the capability set owned by the end node only: tokenize,
// embed, norm, head/sample, and result decoding (spec §4.3).
type EndModel interface {
	// Tokenize sets InputIDs/PromptTokens from Messages and advances
	// ComputeStep to EMBED.
	Tokenize(j *job.Job) error

	// ComputeEmbed produces the hidden state for InputIDs[chunkStart:chunkEnd]
	// (or the last token only, in decode, when chunkStart==chunkEnd==-1),
	// populates JobData, and advances ComputeStep to LAYER with
	// CurrentLayer reset to 0.
	ComputeEmbed(j *job.Job, cache Cache, chunkStart, chunkEnd int) error

	// ComputeNorm applies the final norm to j.Data.State in place.
	ComputeNorm(j *job.Job) error

	// ComputeHead projects the last position to logits, runs the
	// sampling pipeline, appends the sampled token, and sets Status to
	// COMPLETED on EOS or token-cap (spec §4.3).
	ComputeHead(j *job.Job, rng *rand.Rand) error

	// SetResult decodes InputIDs[PromptTokens:] into j.Result.
	SetResult(j *job.Job) error

	// EOSTokenID is the model's end-of-sequence token id.
	EOSTokenID() int

	// NewCache allocates a fresh, empty KV cache for a new job.
	NewCache() Cache
}

// LayerModel is the capability set owned by a layer-owning node: forward
// pass over one contiguous layer range (spec §4.4).
type LayerModel interface {
	// ProcessJob runs the decoder-layer forward for layers
	// [startLayer, endLayer] in order, updating cache, then sets
	// j.CurrentLayer = endLayer + 1.
	ProcessJob(j *job.Job, cache Cache, startLayer, endLayer int) error
}

// --- deterministic stub implementation, exercised by tests -------------

// stubCache is a no-op Cache; the stub model keeps no real KV state
// since tensor kernels are out of scope.
type stubCache struct{}

func (stubCache) Release() {}

// StubModel is a deterministic stand-in for a real transformer: it
// produces fixed-shape hidden states and a logits vector synthesized
// from input_ids, enough to drive the FSM and sampling pipeline
// end-to-end in tests without a real weight store.
type StubModel struct {
	HiddenSize      int
	VocabSize       int
	NumHiddenLayers int
	EOS             int
	Eot             string // token decoded for EOS, e.g. "" or "<eos>"
}

// NewStubModel builds a StubModel with the given shape.
func NewStubModel(hiddenSize, vocabSize, numHiddenLayers, eosTokenID int) *StubModel {
	return &StubModel{HiddenSize: hiddenSize, VocabSize: vocabSize, NumHiddenLayers: numHiddenLayers, EOS: eosTokenID}
}

func (m *StubModel) EOSTokenID() int { return m.EOS }

func (m *StubModel) NewCache() Cache { return stubCache{} }

// Tokenize assigns one token id per character of the concatenated
// message content (mod VocabSize), a deterministic stand-in for a real
// chat-template tokenizer.
func (m *StubModel) Tokenize(j *job.Job) error {
	var ids []int
	for _, msg := range j.Messages {
		for _, r := range msg.Content {
			ids = append(ids, int(r)%m.VocabSize)
		}
	}
	if len(ids) == 0 {
		ids = []int{0}
	}
	j.InputIDs = ids
	j.PromptTokens = len(ids)
	j.ComputeStep = job.StepEmbed
	return nil
}

// ComputeEmbed synthesizes a hidden state tensor shaped
// [1, seqLen, HiddenSize] from the active token slice.
func (m *StubModel) ComputeEmbed(j *job.Job, _ Cache, chunkStart, chunkEnd int) error {
	var ids []int
	if chunkStart < 0 {
		ids = j.InputIDs[len(j.InputIDs)-1:]
	} else {
		ids = j.InputIDs[chunkStart:chunkEnd]
	}
	values := make([]float32, len(ids)*m.HiddenSize)
	for i, id := range ids {
		for h := 0; h < m.HiddenSize; h++ {
			values[i*m.HiddenSize+h] = float32(id%7) * 0.01 * float32(h+1)
		}
	}
	j.Data = job.JobData{
		State: tensor.NewFloat32([]int64{1, int64(len(ids)), int64(m.HiddenSize)}, values),
	}
	j.ComputeStep = job.StepLayer
	j.CurrentLayer = 0
	return nil
}

// ComputeNorm is a deterministic pass-through scaling, standing in for
// RMS norm.
func (m *StubModel) ComputeNorm(j *job.Job) error {
	vals := j.Data.State.Float32Slice()
	for i := range vals {
		vals[i] *= 1.0
	}
	j.Data.State = tensor.NewFloat32(j.Data.State.Shape, vals)
	return nil
}

// ComputeHead derives per-vocab logits from the last position's hidden
// state (a fixed, deterministic linear stand-in for the real head
// weight matrix), then runs internal/sampling exactly as spec §4.3.1
// describes.
func (m *StubModel) ComputeHead(j *job.Job, rng *rand.Rand) error {
	seq := j.Data.State.Shape[1]
	hidden := m.HiddenSize
	flat := j.Data.State.Float32Slice()
	lastStart := int(seq-1) * hidden

	logits := make([]float64, m.VocabSize)
	for v := 0; v < m.VocabSize; v++ {
		var acc float64
		for h := 0; h < hidden; h++ {
			acc += float64(flat[lastStart+h]) * float64((v+h)%5-2)
		}
		logits[v] = acc
	}

	token := sampling.Sample(rng, logits, j.SeenTokenIDs(), sampling.Params{
		Temperature:     j.Sampling.Temperature,
		TopK:            j.Sampling.TopK,
		TopP:            j.Sampling.TopP,
		MinP:            j.Sampling.MinP,
		PresencePenalty: j.Sampling.PresencePenalty,
	})

	j.InputIDs = append(j.InputIDs, token)
	j.CurrentToken++
	if token == m.EOS || j.CurrentToken >= j.MaxCompletionTok {
		j.Status = job.StatusCompleted
	}
	j.Delta = m.decodeOne(token)
	return nil
}

// SetResult decodes the generated suffix into j.Result.
func (m *StubModel) SetResult(j *job.Job) error {
	var out []rune
	for _, id := range j.InputIDs[j.PromptTokens:] {
		if id == m.EOS {
			continue
		}
		out = append(out, rune('a'+(id%26)))
	}
	j.Result = string(out)
	return nil
}

func (m *StubModel) decodeOne(id int) string {
	if id == m.EOS {
		return m.Eot
	}
	return string(rune('a' + (id % 26)))
}

// StubLayerModel runs a stand-in forward pass over a layer range that
// adds 0.001 per layer to every state value, advancing the layer cursor
// exactly as the real kernel would (spec §4.4).
type StubLayerModel struct{}

func (StubLayerModel) ProcessJob(j *job.Job, _ Cache, startLayer, endLayer int) error {
	vals := j.Data.State.Float32Slice()
	for i := range vals {
		vals[i] += float32(endLayer-startLayer+1) * 0.001
	}
	j.Data.State = tensor.NewFloat32(j.Data.State.Shape, vals)
	j.CurrentLayer = endLayer + 1
	return nil
}
