// Package state owns the durable processing state: one tracked entry per
// transaction ever detected, plus lifetime statistics. The whole state is a
// single document, loaded at startup and replaced atomically after each run.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotTracked is returned when an operation names a transaction the
	// state has never seen.
	ErrNotTracked = errors.New("transaction is not tracked")

	// ErrNotFailed is returned when a reprocess names a transaction that is
	// not in the failed state.
	ErrNotFailed = errors.New("only failed transactions can be reprocessed")
)

// Status is the processing status of one tracked transaction. It only
// advances pending -> submitted -> paid, or diverts to failed; a failed
// entry returns to pending solely through an explicit reprocess.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
)

// Exported reports whether the transaction has already reached the external
// accounting system and must not be submitted again.
func (s Status) Exported() bool {
	return s == StatusSubmitted || s == StatusPaid
}

// TrackedTransaction is the core-owned record of one ledger transaction.
// Created on first detection and never deleted; the append-only history is
// what makes re-submission detectable across runs.
type TrackedTransaction struct {
	ID          string     `json:"id"`
	Payee       string     `json:"payee"`
	Amount      int64      `json:"amount"`
	Date        string     `json:"date"`
	Category    string     `json:"category,omitempty"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ExternalRef string     `json:"external_ref,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Statistics are cumulative lifetime totals, incremented once per run.
type Statistics struct {
	TotalProcessed int `json:"total_processed"`
	TotalSubmitted int `json:"total_submitted"`
	TotalFailed    int `json:"total_failed"`
}

// Counters is a per-run tally derived from the tracked map on demand. It is
// never persisted, so it cannot diverge from the source of truth.
type Counters struct {
	Pending   int `json:"pending"`
	Submitted int `json:"submitted"`
	Paid      int `json:"paid"`
	Failed    int `json:"failed"`
}

// ProcessingState is the single durable root object. Unknown top-level JSON
// fields survive a load/save round trip so newer snapshots are not stripped
// by older binaries.
type ProcessingState struct {
	Transactions   map[string]*TrackedTransaction
	LastProcessing *time.Time
	Statistics     Statistics

	extra map[string]json.RawMessage
}

// New returns an empty state with an initialized transaction map.
func New() *ProcessingState {
	return &ProcessingState{Transactions: make(map[string]*TrackedTransaction)}
}

// Counters tallies the tracked transactions by status.
func (s *ProcessingState) Counters() Counters {
	var c Counters
	for _, tx := range s.Transactions {
		switch tx.Status {
		case StatusPending:
			c.Pending++
		case StatusSubmitted:
			c.Submitted++
		case StatusPaid:
			c.Paid++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Track returns the tracked entry for the given ledger transaction, creating
// a pending entry on first detection.
func (s *ProcessingState) Track(id, payee string, amount int64, date, category string, now time.Time) *TrackedTransaction {
	if tx, ok := s.Transactions[id]; ok {
		return tx
	}
	tx := &TrackedTransaction{
		ID:        id,
		Payee:     payee,
		Amount:    amount,
		Date:      date,
		Category:  category,
		Status:    StatusPending,
		CreatedAt: now,
	}
	s.Transactions[id] = tx
	return tx
}

// Reprocess resets one failed entry back to pending. It refuses ids that are
// untracked or not in the failed state, so a normal run can never trigger it.
func (s *ProcessingState) Reprocess(id string) error {
	tx, ok := s.Transactions[id]
	if !ok {
		return fmt.Errorf("Reprocess: %s: %w", id, ErrNotTracked)
	}
	if tx.Status != StatusFailed {
		return fmt.Errorf("Reprocess: %s is %s: %w", id, tx.Status, ErrNotFailed)
	}
	tx.Status = StatusPending
	tx.Attempts = 0
	tx.LastError = ""
	return nil
}

const (
	keyTransactions   = "transactions"
	keyLastProcessing = "last_processing"
	keyStatistics     = "statistics"
)

// MarshalJSON writes the known fields over any unknown fields captured at
// load time.
func (s *ProcessingState) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(s.extra)+3)
	for k, v := range s.extra {
		doc[k] = v
	}

	txs, err := json.Marshal(s.Transactions)
	if err != nil {
		return nil, fmt.Errorf("MarshalJSON: transactions: %w", err)
	}
	doc[keyTransactions] = txs

	stats, err := json.Marshal(s.Statistics)
	if err != nil {
		return nil, fmt.Errorf("MarshalJSON: statistics: %w", err)
	}
	doc[keyStatistics] = stats

	if s.LastProcessing != nil {
		ts, err := json.Marshal(s.LastProcessing)
		if err != nil {
			return nil, fmt.Errorf("MarshalJSON: last_processing: %w", err)
		}
		doc[keyLastProcessing] = ts
	}

	return json.Marshal(doc)
}

// UnmarshalJSON decodes the known fields and retains everything else
// verbatim for the next save.
func (s *ProcessingState) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("UnmarshalJSON: %w", err)
	}

	s.Transactions = make(map[string]*TrackedTransaction)
	if raw, ok := doc[keyTransactions]; ok {
		if err := json.Unmarshal(raw, &s.Transactions); err != nil {
			return fmt.Errorf("UnmarshalJSON: transactions: %w", err)
		}
		delete(doc, keyTransactions)
	}
	if raw, ok := doc[keyLastProcessing]; ok {
		if err := json.Unmarshal(raw, &s.LastProcessing); err != nil {
			return fmt.Errorf("UnmarshalJSON: last_processing: %w", err)
		}
		delete(doc, keyLastProcessing)
	}
	if raw, ok := doc[keyStatistics]; ok {
		if err := json.Unmarshal(raw, &s.Statistics); err != nil {
			return fmt.Errorf("UnmarshalJSON: statistics: %w", err)
		}
		delete(doc, keyStatistics)
	}

	if len(doc) > 0 {
		s.extra = doc
	}
	return nil
}
