// Package syncer keeps the vector index in step with an external corpus. A
// sync run lists the corpus, diffs each document's content hash against what
// the index already holds, and reindexes only what changed. Runs are mutually
// exclusive and progress is observable through a single-slot tracker.
package syncer

import (
	"sync"
	"time"
)

// Status describes the lifecycle of the most recent sync run.
type Status string

const (
	// StatusIdle means no sync has run since the process started.
	StatusIdle Status = "idle"
	// StatusRunning means a sync is in progress.
	StatusRunning Status = "running"
	// StatusCompleted means the last run finished, possibly with
	// per-document failures.
	StatusCompleted Status = "completed"
	// StatusFailed means the last run could not list the corpus and indexed
	// nothing.
	StatusFailed Status = "failed"
)

// State is a snapshot of the most recent sync run. Only the latest run is
// retained.
type State struct {
	// Status is the lifecycle phase of the run.
	Status Status `json:"status"`
	// StartedAt is when the run began. Zero when Status is idle.
	StartedAt time.Time `json:"started_at,omitzero"`
	// FinishedAt is when the run ended. Zero while running or idle.
	FinishedAt time.Time `json:"finished_at,omitzero"`
	// Full reports whether the run was a full resync rather than an
	// incremental one.
	Full bool `json:"full"`
	// DocumentsTotal is the number of candidate documents the run listed.
	DocumentsTotal int `json:"documents_total"`
	// DocumentsProcessed is the number of candidates handled so far,
	// including unchanged documents and failures.
	DocumentsProcessed int `json:"documents_processed"`
	// DocumentsSkipped is the number of candidates whose content hash
	// matched the index and were left untouched.
	DocumentsSkipped int `json:"documents_skipped"`
	// DocumentsFailed is the number of candidates that could not be
	// reindexed.
	DocumentsFailed int `json:"documents_failed"`
	// ChunksIndexed is the total number of chunks upserted during the run.
	ChunksIndexed int `json:"chunks_indexed"`
	// SourcesPruned is the number of vanished sources removed from the
	// index. Only full runs prune.
	SourcesPruned int `json:"sources_pruned"`
	// LastError is the message of the most recent error, document-level or
	// run-level. Empty when nothing failed.
	LastError string `json:"last_error,omitempty"`
}

// Tracker holds the state of the most recent sync run. Publishing a new
// snapshot replaces the previous one. Safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	state State
}

// NewTracker returns a tracker in the idle state.
func NewTracker() *Tracker {
	return &Tracker{state: State{Status: StatusIdle}}
}

// Current returns a copy of the latest snapshot.
func (t *Tracker) Current() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Publish replaces the snapshot.
func (t *Tracker) Publish(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}
