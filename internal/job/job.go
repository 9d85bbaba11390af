// Package job defines the per-request state (spec §3): Job, JobData, the
// chat message list, sampling parameters, and the callback triple that
// lets the ingress caller observe progress without the job holding a
// back-reference to the tracker (spec §9's DAG requirement). Field set
// and invariants are grounded on original_source's job_manager/job_data.py
// and jobs/job.py; the TaskStatus-enum-with-String() idiom is grounded on
// the teacher's pkg/compute/manager.go.
package job

import (
	"time"

	"github.com/lang-pipes/lpnode/internal/chunkstate"
	"github.com/lang-pipes/lpnode/internal/tensor"

	"github.com/google/uuid"
)

// Role is one participant in a chat turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one chat turn (spec §6: messages is an ordered list of
// {role, content}).
type Message struct {
	Role    Role
	Content string
}

// SamplingParams holds the tunables consumed by internal/sampling (spec
// §3 "Sampling:" bullet).
type SamplingParams struct {
	Temperature     float64
	TopK            int
	TopP            float64
	MinP            float64
	PresencePenalty float64
}

// ComputeStep is the job's position in one FSM pass (spec §3).
type ComputeStep int

const (
	StepTokenize ComputeStep = iota
	StepEmbed
	StepLayer
	StepNorm
	StepHead
)

func (s ComputeStep) String() string {
	switch s {
	case StepTokenize:
		return "TOKENIZE"
	case StepEmbed:
		return "EMBED"
	case StepLayer:
		return "LAYER"
	case StepNorm:
		return "NORM"
	case StepHead:
		return "HEAD"
	default:
		return "UNKNOWN"
	}
}

// Status is the job's terminal/non-terminal lifecycle state (spec §3).
type Status int

const (
	StatusInProgress Status = iota
	StatusCompleted
)

func (s Status) String() string {
	if s == StatusCompleted {
		return "COMPLETED"
	}
	return "IN_PROGRESS"
}

// JobData is the wire-carried activation (spec §3): the hidden state and
// the tensors derived alongside it for the current layer's expectations.
// Every field is independently optional (absent == tensor.Tensor{}).
type JobData struct {
	State               tensor.Tensor
	PositionIDs         tensor.Tensor
	CachePosition       tensor.Tensor
	CausalMask          tensor.Tensor
	CausalMaskSliding   tensor.Tensor
	PositionEmbedCos    tensor.Tensor
	PositionEmbedSin    tensor.Tensor
}

// Callbacks is the channel by which the outside world observes job
// progress (spec §4.7, §6). Held by value in Job, never referencing the
// tracker, per SPEC_FULL.md §3's DAG requirement.
type Callbacks struct {
	OnStart  func(*Job)
	OnUpdate func(*Job)
	Resolve  func(*Job, error)
}

// Job is the per-request state living on the origin/end node (spec §3).
type Job struct {
	JobID             string
	OriginNodeID      string
	PipeID            string
	ModelID           string
	Messages          []Message
	InputIDs          []int
	PromptTokens      int
	CurrentToken      int
	MaxCompletionTok  int
	Sampling          SamplingParams
	ComputeStep       ComputeStep
	CurrentLayer      int
	NumHiddenLayers   int
	Data              JobData
	Chunking          chunkstate.ChunkState
	Status            Status
	LastUpdate        time.Time
	PrefillStartTime  time.Time
	ChunkStartTime    time.Time
	Delta             string
	Result            string
	Callbacks         Callbacks
}

// NewJob allocates a Job for a freshly-accepted request. job_id is a
// UUID (spec §3: "unique opaque identifier (UUID-equivalent)"), using
// the pack's github.com/google/uuid rather than the original's
// uuid4()-via-ctypes-adjacent string formatting.
func NewJob(originNodeID, pipeID, modelID string, messages []Message, maxCompletionTokens int, sampling SamplingParams, numHiddenLayers int, cb Callbacks) *Job {
	return &Job{
		JobID:            uuid.NewString(),
		OriginNodeID:     originNodeID,
		PipeID:           pipeID,
		ModelID:          modelID,
		Messages:         messages,
		MaxCompletionTok: maxCompletionTokens,
		Sampling:         sampling,
		ComputeStep:      StepTokenize,
		NumHiddenLayers:  numHiddenLayers,
		Status:           StatusInProgress,
		LastUpdate:       time.Now(),
		Callbacks:        cb,
	}
}

// Touch refreshes the job's own LastUpdate field. The staleness sweep
// in internal/tracker does not read this field: it keeps a separate
// timestamp per pending entry, refreshed by Tracker.SendUpdate and
// Tracker.Touch.
func (j *Job) Touch() {
	j.LastUpdate = time.Now()
}

// SeenTokenIDs returns every prompt and generated token id in order,
// duplicates included; the sampling pipeline's presence penalty
// de-duplicates them.
func (j *Job) SeenTokenIDs() []int {
	return j.InputIDs
}
