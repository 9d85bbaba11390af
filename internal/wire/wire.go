// Package wire encodes and decodes the LayerJob envelope (spec §4.1):
// a self-delimited byte sequence of length-prefixed fields. Framing is
// grounded on the teacher's hand-rolled binary.BigEndian length-prefixed
// framing in compute_protocol.go (msgtype + uint32 length + payload);
// field order and the JobData tensor-blob sub-format are grounded on
// original_source's job_manager/layer_job.py and job_data.py (the
// ByteHelper write_string/write_int/write_bytes sequence).
package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	mathlib "math"

	"github.com/lang-pipes/lpnode/internal/job"
	"github.com/lang-pipes/lpnode/internal/lperr"
	"github.com/lang-pipes/lpnode/internal/tensor"
)

// LayerJob is the on-wire representation of a job's progress between two
// nodes (spec glossary).
type LayerJob struct {
	JobID          string
	OriginNodeID   string
	PipeID         string
	ModelID        string
	Messages       []job.Message
	InputIDs       []int
	Sampling       job.SamplingParams
	ComputeStep    job.ComputeStep
	CurrentLayer   uint32
	CurrentToken   uint32
	Restart        bool
	Data           job.JobData
	StateHash      [sha256.Size]byte
}

// wireMessage mirrors job.Message with JSON tags for the message-list
// field (spec §4.1: "message list (JSON or equivalent)").
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// --- low-level length-prefixed primitives -----------------------------

type writer struct {
	buf []byte
}

func (w *writer) writeUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) writeBytes(b []byte) {
	w.writeUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) writeString(s string) {
	w.writeBytes([]byte(s))
}

func (w *writer) writeByte(b byte) {
	w.buf = append(w.buf, b)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) readUint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("wire: truncated uint32: %w", lperr.ErrMalformedEnvelope)
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readBytes() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.remaining() {
		return nil, fmt.Errorf("wire: blob length %d overruns buffer: %w", n, lperr.ErrMalformedEnvelope)
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) readString() (string, error) {
	b, err := r.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("wire: truncated byte: %w", lperr.ErrMalformedEnvelope)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// --- tensor blob sub-format --------------------------------------------

// writeTensor encodes dtype tag, shape vector, and raw bytes as one
// length-prefixed blob; a zero-length blob means "absent" (spec §4.1).
func writeTensor(w *writer, t tensor.Tensor) {
	if t.IsAbsent() {
		w.writeBytes(nil)
		return
	}
	inner := &writer{}
	inner.writeByte(byte(t.Dtype))
	inner.writeUint32(uint32(len(t.Shape)))
	for _, dim := range t.Shape {
		inner.writeUint32(uint32(dim))
	}
	inner.buf = append(inner.buf, t.Data...)
	w.writeBytes(inner.buf)
}

func readTensor(r *reader) (tensor.Tensor, error) {
	blob, err := r.readBytes()
	if err != nil {
		return tensor.Tensor{}, err
	}
	if len(blob) == 0 {
		return tensor.Absent(), nil
	}
	inner := &reader{buf: blob}
	dtypeB, err := inner.readByte()
	if err != nil {
		return tensor.Tensor{}, err
	}
	rank, err := inner.readUint32()
	if err != nil {
		return tensor.Tensor{}, err
	}
	shape := make([]int64, rank)
	for i := range shape {
		dim, err := inner.readUint32()
		if err != nil {
			return tensor.Tensor{}, err
		}
		shape[i] = int64(dim)
	}
	data := inner.buf[inner.pos:]
	t := tensor.Tensor{Dtype: tensor.DType(dtypeB), Shape: shape, Data: append([]byte(nil), data...)}
	if err := t.Validate(); err != nil {
		return tensor.Tensor{}, fmt.Errorf("wire: %v: %w", err, lperr.ErrMalformedEnvelope)
	}
	return t, nil
}

// --- LayerJob envelope --------------------------------------------------

// Encode serializes lj into a self-delimited byte sequence per spec
// §4.1's field order.
func Encode(lj LayerJob) []byte {
	w := &writer{}
	w.writeString(lj.JobID)
	w.writeString(lj.OriginNodeID)
	w.writeString(lj.PipeID)
	w.writeString(lj.ModelID)

	msgs := make([]wireMessage, len(lj.Messages))
	for i, m := range lj.Messages {
		msgs[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}
	msgJSON, _ := json.Marshal(msgs)
	w.writeBytes(msgJSON)

	ids := &writer{}
	varintBuf := make([]byte, binary.MaxVarintLen64)
	ids.writeUint32(uint32(len(lj.InputIDs)))
	for _, id := range lj.InputIDs {
		n := binary.PutUvarint(varintBuf, uint64(id))
		ids.buf = append(ids.buf, varintBuf[:n]...)
	}
	w.writeBytes(ids.buf)

	sampling := &writer{}
	sampling.writeUint32(math64bits(lj.Sampling.Temperature))
	sampling.writeUint32(uint32(lj.Sampling.TopK))
	sampling.writeUint32(math64bits(lj.Sampling.TopP))
	sampling.writeUint32(math64bits(lj.Sampling.MinP))
	sampling.writeUint32(math64bits(lj.Sampling.PresencePenalty))
	w.writeBytes(sampling.buf)

	w.writeByte(byte(lj.ComputeStep))
	w.writeUint32(lj.CurrentLayer)
	w.writeUint32(lj.CurrentToken)
	if lj.Restart {
		w.writeByte(1)
	} else {
		w.writeByte(0)
	}

	data := &writer{}
	writeTensor(data, lj.Data.State)
	writeTensor(data, lj.Data.PositionIDs)
	writeTensor(data, lj.Data.CachePosition)
	writeTensor(data, lj.Data.CausalMask)
	writeTensor(data, lj.Data.CausalMaskSliding)
	writeTensor(data, lj.Data.PositionEmbedCos)
	writeTensor(data, lj.Data.PositionEmbedSin)
	w.writeBytes(data.buf)

	hash := sha256.Sum256(lj.Data.State.Data)
	w.buf = append(w.buf, hash[:]...)

	return w.buf
}

// math64bits packs a float64 into a uint32-sized field by truncating to
// float32 precision; sampling params never need full float64 range on
// the wire.
func math64bits(f float64) uint32 {
	return mathlib.Float32bits(float32(f))
}

func float32frombits(b uint32) float32 {
	return mathlib.Float32frombits(b)
}

// Decode parses a byte sequence produced by Encode, returning
// lperr.ErrMalformedEnvelope on any length overrun or tensor shape/dtype
// mismatch (spec §4.1). The state hash is copied into StateHash but not
// checked here; VerifyStateHash does that.
func Decode(b []byte) (LayerJob, error) {
	r := &reader{buf: b}
	var lj LayerJob
	var err error

	if lj.JobID, err = r.readString(); err != nil {
		return LayerJob{}, err
	}
	if lj.OriginNodeID, err = r.readString(); err != nil {
		return LayerJob{}, err
	}
	if lj.PipeID, err = r.readString(); err != nil {
		return LayerJob{}, err
	}
	if lj.ModelID, err = r.readString(); err != nil {
		return LayerJob{}, err
	}

	msgJSON, err := r.readBytes()
	if err != nil {
		return LayerJob{}, err
	}
	var msgs []wireMessage
	if len(msgJSON) > 0 {
		if jsonErr := json.Unmarshal(msgJSON, &msgs); jsonErr != nil {
			return LayerJob{}, fmt.Errorf("wire: message list: %v: %w", jsonErr, lperr.ErrMalformedEnvelope)
		}
	}
	lj.Messages = make([]job.Message, len(msgs))
	for i, m := range msgs {
		lj.Messages[i] = job.Message{Role: job.Role(m.Role), Content: m.Content}
	}

	idsBlob, err := r.readBytes()
	if err != nil {
		return LayerJob{}, err
	}
	idsReader := &reader{buf: idsBlob}
	count, err := idsReader.readUint32()
	if err != nil {
		return LayerJob{}, err
	}
	lj.InputIDs = make([]int, count)
	for i := range lj.InputIDs {
		v, n := binary.Uvarint(idsReader.buf[idsReader.pos:])
		if n <= 0 {
			return LayerJob{}, fmt.Errorf("wire: bad varint in input_ids: %w", lperr.ErrMalformedEnvelope)
		}
		idsReader.pos += n
		lj.InputIDs[i] = int(v)
	}

	samplingBlob, err := r.readBytes()
	if err != nil {
		return LayerJob{}, err
	}
	sr := &reader{buf: samplingBlob}
	var temp, topP, minP, presence uint32
	var topK uint32
	if temp, err = sr.readUint32(); err != nil {
		return LayerJob{}, err
	}
	if topK, err = sr.readUint32(); err != nil {
		return LayerJob{}, err
	}
	if topP, err = sr.readUint32(); err != nil {
		return LayerJob{}, err
	}
	if minP, err = sr.readUint32(); err != nil {
		return LayerJob{}, err
	}
	if presence, err = sr.readUint32(); err != nil {
		return LayerJob{}, err
	}
	lj.Sampling = job.SamplingParams{
		Temperature:     float64(float32frombits(temp)),
		TopK:            int(topK),
		TopP:            float64(float32frombits(topP)),
		MinP:            float64(float32frombits(minP)),
		PresencePenalty: float64(float32frombits(presence)),
	}

	stepB, err := r.readByte()
	if err != nil {
		return LayerJob{}, err
	}
	lj.ComputeStep = job.ComputeStep(stepB)

	if lj.CurrentLayer, err = r.readUint32(); err != nil {
		return LayerJob{}, err
	}
	if lj.CurrentToken, err = r.readUint32(); err != nil {
		return LayerJob{}, err
	}
	restartB, err := r.readByte()
	if err != nil {
		return LayerJob{}, err
	}
	lj.Restart = restartB != 0

	dataBlob, err := r.readBytes()
	if err != nil {
		return LayerJob{}, err
	}
	dr := &reader{buf: dataBlob}
	if lj.Data.State, err = readTensor(dr); err != nil {
		return LayerJob{}, err
	}
	if lj.Data.PositionIDs, err = readTensor(dr); err != nil {
		return LayerJob{}, err
	}
	if lj.Data.CachePosition, err = readTensor(dr); err != nil {
		return LayerJob{}, err
	}
	if lj.Data.CausalMask, err = readTensor(dr); err != nil {
		return LayerJob{}, err
	}
	if lj.Data.CausalMaskSliding, err = readTensor(dr); err != nil {
		return LayerJob{}, err
	}
	if lj.Data.PositionEmbedCos, err = readTensor(dr); err != nil {
		return LayerJob{}, err
	}
	if lj.Data.PositionEmbedSin, err = readTensor(dr); err != nil {
		return LayerJob{}, err
	}

	if r.remaining() < sha256.Size {
		return LayerJob{}, fmt.Errorf("wire: truncated state hash: %w", lperr.ErrMalformedEnvelope)
	}
	copy(lj.StateHash[:], r.buf[r.pos:r.pos+sha256.Size])
	r.pos += sha256.Size

	return lj, nil
}

// VerifyStateHash reports whether lj.StateHash matches the digest of
// lj.Data.State.Data, the corruption check of spec §4.8 step 2.
func VerifyStateHash(lj LayerJob) bool {
	want := sha256.Sum256(lj.Data.State.Data)
	return want == lj.StateHash
}
