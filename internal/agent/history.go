package agent

import (
	"sync"
	"time"
)

// DefaultHistoryLimit bounds the records kept per runtime.
const DefaultHistoryLimit = 100

// ReasoningRecord is one reason-then-act invocation.
type ReasoningRecord struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id,omitempty"`
	StepID     string         `json:"step_id"`
	Handler    string         `json:"handler"`
	Reasoning  string         `json:"reasoning"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"duration_ms"`
}

// History is an append-only ring of records. Once full, the oldest record
// is evicted for each new one.
type History struct {
	mu      sync.Mutex
	limit   int
	records []ReasoningRecord
}

// NewHistory creates a History holding at most limit records. limit <= 0
// selects DefaultHistoryLimit.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

func (h *History) Append(rec ReasoningRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) >= h.limit {
		n := copy(h.records, h.records[len(h.records)-h.limit+1:])
		h.records = h.records[:n]
	}
	h.records = append(h.records, rec)
}

// Records returns a copy, oldest first.
func (h *History) Records() []ReasoningRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ReasoningRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Drain returns every record and empties the history.
func (h *History) Drain() []ReasoningRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.records
	h.records = nil
	if out == nil {
		out = []ReasoningRecord{}
	}
	return out
}

// DrainRun removes and returns the records of one run. Records of other
// runs stay in place.
func (h *History) DrainRun(runID string) []ReasoningRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []ReasoningRecord{}
	kept := h.records[:0]
	for _, rec := range h.records {
		if rec.RunID == runID {
			out = append(out, rec)
			continue
		}
		kept = append(kept, rec)
	}
	clear(h.records[len(kept):])
	h.records = kept
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func (h *History) Limit() int { return h.limit }
