package domain

import (
	"fmt"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/loomworks/loom/internal/xjson"
)

// ReplaySnapshot pins the exact input and output of one node execution.
// Snapshots are immutable once written; the checksum detects drift between
// a recorded run and a later replay.
type ReplaySnapshot struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	NodeID      string                 `json:"node_id"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Checksum    string                 `json:"checksum"`
	CapturedAt  time.Time              `json:"captured_at"`
}

func (s *ReplaySnapshot) ToBytes() ([]byte, error) {
	return xjson.Marshal(s)
}

func SnapshotFromBytes(data []byte) (*ReplaySnapshot, error) {
	var s ReplaySnapshot
	err := xjson.Unmarshal(data, &s)
	return &s, err
}

// ContentChecksum hashes the canonical JSON encoding of input and output.
// Map keys are sorted by the canonical encoder, so semantically equal
// content always produces the same checksum.
func ContentChecksum(input, output map[string]interface{}) (string, error) {
	in, err := xjson.MarshalCanonical(input)
	if err != nil {
		return "", err
	}
	out, err := xjson.MarshalCanonical(output)
	if err != nil {
		return "", err
	}

	h := murmur3.New128()
	h.Write(in)
	h.Write([]byte{0})
	h.Write(out)
	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2), nil
}
