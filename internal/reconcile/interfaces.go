package reconcile

import (
	"context"
	"time"

	"github.com/Dylzzzzz/actual-budget-system/internal/export"
	"github.com/Dylzzzzz/actual-budget-system/internal/ledger"
)

// LedgerService is the ledger surface the engine consumes. Implemented by
// *ledger.Client; the interface enables mocking in engine tests.
type LedgerService interface {
	// Open authenticates a session against the named remote budget.
	Open(ctx context.Context) error

	// Close tears down the session; safe on a never-opened client.
	Close(ctx context.Context) error

	// Accounts lists all accounts with on/off-budget and closed flags.
	Accounts(ctx context.Context) ([]ledger.Account, error)

	// CategoryGroups lists the budget's category groups.
	CategoryGroups(ctx context.Context) ([]ledger.CategoryGroup, error)

	// Categories lists categories with group membership.
	Categories(ctx context.Context) ([]ledger.Category, error)

	// Transactions lists one account's transactions within a date range.
	Transactions(ctx context.Context, accountID string, since, until time.Time) ([]ledger.Transaction, error)

	// UpdateTransactionNotes replaces a transaction's notes field.
	UpdateTransactionNotes(ctx context.Context, id, notes string) error
}

// ExportService submits one normalized transaction to the accounting system.
// Implemented by *export.Client.
type ExportService interface {
	Submit(ctx context.Context, p export.Payload) (export.Receipt, error)
}

// StatusPublisher is the best-effort observability sink. Implementations
// must swallow their own failures; the engine never checks an error here.
type StatusPublisher interface {
	Publish(ctx context.Context, status string, attrs map[string]interface{})
}
