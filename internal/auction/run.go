package auction

import "time"

// TerminalReason records why a crawl run stopped.
type TerminalReason string

// Terminal reasons reported in RunStatistics.
const (
	ReasonMaxPagesReached     TerminalReason = "max_pages_reached"
	ReasonExtractionEmpty     TerminalReason = "extraction_empty"
	ReasonPageTransitionStall TerminalReason = "page_transition_stall"
	ReasonNavigationTimeout   TerminalReason = "navigation_timeout"
	ReasonNavigationFailed    TerminalReason = "navigation_failed"
	ReasonDuplicateThreshold  TerminalReason = "duplicate_threshold"
	ReasonCanceled            TerminalReason = "canceled"
)

// Failed reports whether the run never reached its first page.
func (r TerminalReason) Failed() bool {
	return r == ReasonNavigationTimeout || r == ReasonNavigationFailed
}

// UpsertResult counts the outcome of a bulk upsert.
type UpsertResult struct {
	Matched  int `json:"matched"`
	Modified int `json:"modified"`
	Upserted int `json:"upserted"`
}

// Add accumulates other into r.
func (r *UpsertResult) Add(other UpsertResult) {
	r.Matched += other.Matched
	r.Modified += other.Modified
	r.Upserted += other.Upserted
}

// Written returns the number of records the store accepted.
func (r UpsertResult) Written() int {
	return r.Matched + r.Upserted
}

// PageStatistics describes one visited results page.
type PageStatistics struct {
	Page       int          `json:"page"`
	Attempts   int          `json:"attempts"`
	Candidates int          `json:"candidates"`
	New        int          `json:"new"`
	Duplicates int          `json:"duplicates"`
	Persisted  UpsertResult `json:"persisted"`
	Error      string       `json:"error,omitempty"`
}

// RunStatistics summarizes a crawl run.
type RunStatistics struct {
	RunID               string           `json:"run_id"`
	StartedAt           time.Time        `json:"started_at"`
	FinishedAt          time.Time        `json:"finished_at"`
	PagesVisited        int              `json:"pages_visited"`
	TotalNew            int              `json:"total_new"`
	TotalDuplicates     int              `json:"total_duplicates"`
	RecordsPersisted    int              `json:"records_persisted"`
	PersistenceFailures int              `json:"persistence_failures"`
	Reason              TerminalReason   `json:"terminal_reason"`
	Pages               []PageStatistics `json:"pages,omitempty"`
}

// Duration returns the wall-clock length of the run.
func (s RunStatistics) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
