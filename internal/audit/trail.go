package audit

import (
	"errors"
	"sync"
	"time"

	"github.com/nexus-trading/poolwatch/internal/pipeline"
	"github.com/rs/zerolog/log"
)

// Entry is one finished pipeline run.
type Entry struct {
	RunID     string    `json:"run_id"`
	Tenant    int64     `json:"tenant"`
	Timestamp time.Time `json:"ts"`
	Outcome   string    `json:"outcome"`
	Signature string    `json:"signature,omitempty"`
	Mint      string    `json:"mint,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Reasons   []string  `json:"reasons,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Trail records the outcome of every pipeline run in an in-memory buffer
// capped at maxBuf, oldest entries discarded first.
type Trail struct {
	mu      sync.Mutex
	entries []Entry
	maxBuf  int
	now     func() time.Time
}

// NewTrail creates a trail. maxBuf <= 0 keeps nothing and only logs.
func NewTrail(maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		entries: make([]Entry, 0, maxBuf),
		maxBuf:  maxBuf,
		now:     time.Now,
	}
}

// Record adds a pipeline result for tenant.
func (t *Trail) Record(tenant int64, res pipeline.Result) {
	entry := Entry{
		RunID:     res.RunID,
		Tenant:    tenant,
		Timestamp: t.now(),
		Outcome:   string(res.Outcome),
		Signature: string(res.Signature),
		Mint:      string(res.Mint),
	}
	if res.Verdict != nil {
		entry.Mode = string(res.Verdict.Mode)
		entry.Reasons = append([]string(nil), res.Verdict.Reasons...)
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}

	log.Debug().
		Str("run", entry.RunID).
		Int64("tenant", tenant).
		Str("outcome", entry.Outcome).
		Str("mint", entry.Mint).
		Msg("audit: pipeline run recorded")

	t.record(entry)
}

// Query returns the buffered entries for tenant, oldest first.
func (t *Trail) Query(tenant int64) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.Tenant == tenant {
			result = append(result, e)
		}
	}
	return result
}

// Lookup returns the entry for a run id.
func (t *Trail) Lookup(runID string) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.RunID == runID {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// ErrNotFound is returned by Lookup for unknown or evicted runs.
var ErrNotFound = errors.New("audit: run not found")

// Entries returns a copy of all entries in the in-memory buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of entries in the in-memory buffer.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// record adds an entry to the in-memory buffer with FIFO eviction.
func (t *Trail) record(entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxBuf == 0 {
		return
	}
	if len(t.entries) >= t.maxBuf {
		copy(t.entries, t.entries[1:])
		t.entries[len(t.entries)-1] = entry
		return
	}
	t.entries = append(t.entries, entry)
}
