package ledger

import "errors"

// Sentinel errors classifying ledger failures. The engine treats connection
// errors as fatal for the run, while not-found and validation errors are
// attributable to a single account or transaction and are skippable.
var (
	// ErrConnection indicates the ledger service is unreachable or rejected
	// the session credentials.
	ErrConnection = errors.New("ledger: connection error")

	// ErrNotFound indicates the requested budget, account or transaction
	// does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrValidation indicates the ledger rejected the request payload.
	ErrValidation = errors.New("ledger: validation error")
)
