// Package reconcile orchestrates one reconciliation run: fetch candidate
// transactions from the ledger, filter for eligibility, submit to the
// accounting system, tag the ledger, and persist cross-run state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Dylzzzzz/actual-budget-system/internal/export"
	"github.com/Dylzzzzz/actual-budget-system/internal/ledger"
	"github.com/Dylzzzzz/actual-budget-system/internal/state"
)

// ErrRunInProgress is returned when a run is requested while another run is
// still active. The request is rejected, never queued.
var ErrRunInProgress = errors.New("reconcile: run already in progress")

// RunState is the engine's position in the per-run state machine.
type RunState string

const (
	StateIdle         RunState = "idle"
	StateInitializing RunState = "initializing"
	StateFetching     RunState = "fetching"
	StateFiltering    RunState = "filtering"
	StateSubmitting   RunState = "submitting"
	StatePersisting   RunState = "persisting"
	StateErrored      RunState = "errored"
)

// Result is the aggregate outcome of one run.
type Result struct {
	Processed int `json:"processed"`
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
}

// Options are the run-behaviour knobs, fixed at engine construction.
type Options struct {
	LookbackDays     int
	BatchSize        int
	MaxAttempts      int
	SubmitPacing     time.Duration
	DryRun           bool
	MarkerSubmitted  string
	MarkerPaid       string
	BusinessGroup    string
	CurrencyExponent int
}

// Snapshot is the read-only status view served by the status query.
type Snapshot struct {
	RunState       RunState         `json:"run_state"`
	Counters       state.Counters   `json:"counters"`
	Statistics     state.Statistics `json:"statistics"`
	LastProcessing *time.Time       `json:"last_processing,omitempty"`
}

// Engine owns the processing state and executes runs one at a time. A run
// triggered while another is active is rejected with ErrRunInProgress.
type Engine struct {
	ledger    LedgerService
	exporter  ExportService
	store     state.Store
	publisher StatusPublisher
	opts      Options
	log       zerolog.Logger

	runMu sync.Mutex // held for the whole of one run

	mu       sync.Mutex // guards st and runState
	st       *state.ProcessingState
	runState RunState
}

// NewEngine assembles an engine around an already-loaded processing state.
// publisher may be nil; status publication then becomes a no-op.
func NewEngine(lc LedgerService, ec ExportService, store state.Store, publisher StatusPublisher, st *state.ProcessingState, opts Options, log zerolog.Logger) *Engine {
	return &Engine{
		ledger:    lc,
		exporter:  ec,
		store:     store,
		publisher: publisher,
		st:        st,
		opts:      opts,
		log:       log,
		runState:  StateIdle,
	}
}

// Run executes one full reconciliation pass. Returns ErrRunInProgress when
// another run holds the engine.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	return e.RunWithID(ctx, uuid.NewString())
}

// RunWithID runs under a caller-supplied identifier, letting the API report
// the same id the run logs under.
func (e *Engine) RunWithID(ctx context.Context, runID string) (Result, error) {
	if !e.runMu.TryLock() {
		return Result{}, ErrRunInProgress
	}
	defer e.runMu.Unlock()

	return e.execute(ctx, runID)
}

// Start reserves the run slot synchronously and executes the run in the
// background. The caller therefore knows at trigger time whether a run was
// actually started; ErrRunInProgress means nothing was scheduled.
func (e *Engine) Start(ctx context.Context, runID string) error {
	if !e.runMu.TryLock() {
		return ErrRunInProgress
	}

	go func() {
		defer e.runMu.Unlock()
		if _, err := e.execute(ctx, runID); err != nil {
			e.log.Error().Err(err).Str("run_id", runID).Msg("Reconciliation run failed")
		}
	}()
	return nil
}

// execute performs the run body. The caller must hold the run slot.
func (e *Engine) execute(ctx context.Context, runID string) (Result, error) {
	log := e.log.With().Str("run_id", runID).Logger()

	res, err := e.run(ctx, log)
	if err != nil {
		// The errored state sticks until the next run starts, so the
		// published status stays observable instead of being clobbered by an
		// immediate idle transition.
		e.setState(ctx, StateErrored, map[string]interface{}{"error": err.Error()})
		return res, err
	}

	e.publish(ctx, "completed", map[string]interface{}{
		"processed": res.Processed,
		"submitted": res.Submitted,
		"failed":    res.Failed,
	})
	e.setState(ctx, StateIdle, nil)
	return res, nil
}

// run performs the state machine body. Ledger session teardown is guaranteed
// on every exit path.
func (e *Engine) run(ctx context.Context, log zerolog.Logger) (Result, error) {
	e.setState(ctx, StateInitializing, nil)

	if err := e.ledger.Open(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to open ledger session")
		return Result{}, fmt.Errorf("run: open ledger: %w", err)
	}
	defer func() {
		if err := e.ledger.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to close ledger session")
		}
	}()

	e.setState(ctx, StateFetching, nil)

	categories, accounts, err := e.referenceData(ctx)
	if err != nil {
		return Result{}, err
	}
	accountNames := make(map[string]string, len(accounts))
	for _, a := range accounts {
		accountNames[a.ID] = a.Name
	}

	candidates := e.fetchCandidates(ctx, accounts, log)

	e.setState(ctx, StateFiltering, nil)

	eligible := Eligible(candidates, categories.business, e.opts.MarkerSubmitted, e.opts.MarkerPaid)
	batch := e.selectBatch(eligible, log)

	log.Info().
		Int("candidates", len(candidates)).
		Int("eligible", len(eligible)).
		Int("batch", len(batch)).
		Bool("dry_run", e.opts.DryRun).
		Msg("Selected transactions for submission")

	e.setState(ctx, StateSubmitting, nil)

	res := e.submitBatch(ctx, batch, categories.names, accountNames, log)

	e.setState(ctx, StatePersisting, nil)
	e.persist(ctx, res, log)

	if res.Processed > 0 && res.Failed == res.Processed {
		return res, fmt.Errorf("run: all %d submissions failed", res.Processed)
	}
	return res, nil
}

type categoryIndex struct {
	business map[string]bool   // category ids in the business-expense group
	names    map[string]string // category id -> name
}

// referenceData resolves the business category set and the account list.
// Failure here is fatal for the run; it is part of the uncaught fetch phase.
func (e *Engine) referenceData(ctx context.Context) (categoryIndex, []ledger.Account, error) {
	groups, err := e.ledger.CategoryGroups(ctx)
	if err != nil {
		return categoryIndex{}, nil, fmt.Errorf("run: list category groups: %w", err)
	}

	var groupID string
	for _, g := range groups {
		if g.Name == e.opts.BusinessGroup {
			groupID = g.ID
			break
		}
	}
	if groupID == "" {
		return categoryIndex{}, nil, fmt.Errorf("run: category group %q not found in budget", e.opts.BusinessGroup)
	}

	cats, err := e.ledger.Categories(ctx)
	if err != nil {
		return categoryIndex{}, nil, fmt.Errorf("run: list categories: %w", err)
	}

	idx := categoryIndex{business: make(map[string]bool), names: make(map[string]string)}
	for _, c := range cats {
		idx.names[c.ID] = c.Name
		if c.GroupID == groupID {
			idx.business[c.ID] = true
		}
	}

	accounts, err := e.ledger.Accounts(ctx)
	if err != nil {
		return categoryIndex{}, nil, fmt.Errorf("run: list accounts: %w", err)
	}

	return idx, accounts, nil
}

// fetchCandidates merges the lookback window of every open on-budget
// account. One account's fetch failure is logged and skipped; it never
// aborts the run or empties the other accounts' candidates.
func (e *Engine) fetchCandidates(ctx context.Context, accounts []ledger.Account, log zerolog.Logger) []ledger.Transaction {
	until := time.Now()
	since := until.AddDate(0, 0, -e.opts.LookbackDays)

	var candidates []ledger.Transaction
	for _, acct := range accounts {
		if acct.Closed || acct.OffBudget {
			continue
		}

		txs, err := e.ledger.Transactions(ctx, acct.ID, since, until)
		if err != nil {
			log.Warn().
				Err(err).
				Str("account_id", acct.ID).
				Str("account_name", acct.Name).
				Msg("Failed to fetch account transactions, skipping account")
			continue
		}
		candidates = append(candidates, txs...)
	}
	return candidates
}

// selectBatch applies the state-side idempotency guard, orders by date
// ascending (stable, oldest first) and truncates to the batch size.
func (e *Engine) selectBatch(eligible []ledger.Transaction, log zerolog.Logger) []ledger.Transaction {
	e.mu.Lock()
	batch := make([]ledger.Transaction, 0, len(eligible))
	for _, tx := range eligible {
		tracked, ok := e.st.Transactions[tx.ID]
		if !ok {
			batch = append(batch, tx)
			continue
		}
		if tracked.Status.Exported() {
			// Already submitted in a previous run; the ledger tag write may
			// have failed, but the state record is enough to suppress a
			// duplicate submission.
			continue
		}
		if tracked.Status == state.StatusFailed && tracked.Attempts >= e.opts.MaxAttempts {
			log.Debug().
				Str("transaction_id", tx.ID).
				Int("attempts", tracked.Attempts).
				Msg("Attempt budget exhausted, waiting for explicit reprocess")
			continue
		}
		batch = append(batch, tx)
	}
	e.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Date < batch[j].Date
	})

	if len(batch) > e.opts.BatchSize {
		batch = batch[:e.opts.BatchSize]
	}
	return batch
}

// submitBatch processes the batch one transaction at a time. A single item's
// failure is recorded and the loop continues; a fixed pacing delay separates
// submissions.
func (e *Engine) submitBatch(ctx context.Context, batch []ledger.Transaction, categoryNames, accountNames map[string]string, log zerolog.Logger) Result {
	var res Result
	for i, tx := range batch {
		if i > 0 && e.opts.SubmitPacing > 0 {
			select {
			case <-time.After(e.opts.SubmitPacing):
			case <-ctx.Done():
				log.Warn().Err(ctx.Err()).Msg("Run cancelled mid-batch")
				return res
			}
		}

		res.Processed++
		now := time.Now()

		e.mu.Lock()
		tracked := e.st.Track(tx.ID, tx.Payee, tx.Amount, tx.Date, tx.Category, now)
		tracked.Attempts++
		tracked.LastAttempt = &now
		e.mu.Unlock()

		if e.opts.DryRun {
			e.markSubmitted(tracked, "", now)
			res.Submitted++
			log.Info().
				Str("transaction_id", tx.ID).
				Str("payee", tx.Payee).
				Msg("[DRY RUN] Would submit transaction")
			continue
		}

		receipt, err := e.exporter.Submit(ctx, export.Payload{
			ExternalID: tx.ID,
			Payee:      tx.Payee,
			Amount:     export.MajorUnits(tx.Amount, e.opts.CurrencyExponent),
			Date:       tx.Date,
			Category:   categoryNames[tx.Category],
			Notes:      tx.Notes,
			Account:    accountNames[tx.Account],
		})
		if err != nil {
			e.mu.Lock()
			tracked.Status = state.StatusFailed
			tracked.LastError = err.Error()
			e.mu.Unlock()
			res.Failed++
			log.Warn().
				Err(err).
				Str("transaction_id", tx.ID).
				Str("payee", tx.Payee).
				Msg("Failed to submit transaction")
			continue
		}

		e.markSubmitted(tracked, receipt.ID, now)
		res.Submitted++
		log.Info().
			Str("transaction_id", tx.ID).
			Str("external_ref", receipt.ID).
			Msg("Submitted transaction")

		// Tag the ledger so the filter excludes this transaction on future
		// runs. A failed tag write does not undo the submission; the state
		// record covers idempotency until the tag is retried manually.
		tagged := TagNotes(tx.Notes, e.opts.MarkerSubmitted)
		if err := e.ledger.UpdateTransactionNotes(ctx, tx.ID, tagged); err != nil {
			log.Warn().
				Err(err).
				Str("transaction_id", tx.ID).
				Msg("Failed to tag transaction notes")
		}
	}
	return res
}

func (e *Engine) markSubmitted(tracked *state.TrackedTransaction, externalRef string, now time.Time) {
	e.mu.Lock()
	tracked.Status = state.StatusSubmitted
	tracked.SubmittedAt = &now
	tracked.ExternalRef = externalRef
	tracked.LastError = ""
	e.mu.Unlock()
}

// persist folds the run's counts into lifetime statistics and saves the full
// snapshot. A save failure is logged; the in-memory state stays
// authoritative until the next successful save.
func (e *Engine) persist(ctx context.Context, res Result, log zerolog.Logger) {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.Statistics.TotalProcessed += res.Processed
	e.st.Statistics.TotalSubmitted += res.Submitted
	e.st.Statistics.TotalFailed += res.Failed
	e.st.LastProcessing = &now

	// Save under the state lock so a concurrent reprocess cannot mutate the
	// snapshot mid-marshal.
	if err := e.store.Save(ctx, e.st); err != nil {
		log.Error().Err(err).Msg("Failed to save processing state")
	}
}

// Snapshot returns the current counters and run state without mutating
// anything.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		RunState:       e.runState,
		Counters:       e.st.Counters(),
		Statistics:     e.st.Statistics,
		LastProcessing: e.st.LastProcessing,
	}
}

// Reprocess resets one failed transaction to pending and saves the state.
func (e *Engine) Reprocess(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.st.Reprocess(id); err != nil {
		return err
	}

	if err := e.store.Save(ctx, e.st); err != nil {
		e.log.Error().Err(err).Str("transaction_id", id).Msg("Failed to save processing state after reprocess")
	}
	return nil
}

// setState records the state machine transition and publishes it.
func (e *Engine) setState(ctx context.Context, s RunState, attrs map[string]interface{}) {
	e.mu.Lock()
	e.runState = s
	e.mu.Unlock()

	status := "running"
	switch s {
	case StateIdle:
		status = "idle"
	case StateErrored:
		status = "error"
	}
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	attrs["run_state"] = string(s)
	e.publish(ctx, status, attrs)
}

// publish forwards to the status publisher when one is configured. Outcomes
// are ignored; publication never affects the run.
func (e *Engine) publish(ctx context.Context, status string, attrs map[string]interface{}) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(ctx, status, attrs)
}
