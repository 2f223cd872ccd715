package reconcile

import (
	"strings"

	"github.com/Dylzzzzz/actual-budget-system/internal/ledger"
)

// Eligible selects the transactions that qualify for export: cleared,
// categorized under one of the business-expense categories, and not yet
// carrying either idempotency marker in their notes. Pure and
// order-preserving; transactions without a category or notes are simply not
// selected, never an error.
func Eligible(txs []ledger.Transaction, businessCategories map[string]bool, markerSubmitted, markerPaid string) []ledger.Transaction {
	eligible := make([]ledger.Transaction, 0, len(txs))
	for _, tx := range txs {
		if !tx.Cleared {
			continue
		}
		if tx.Category == "" || !businessCategories[tx.Category] {
			continue
		}
		if hasMarker(tx.Notes, markerSubmitted) || hasMarker(tx.Notes, markerPaid) {
			continue
		}
		eligible = append(eligible, tx)
	}
	return eligible
}

// hasMarker reports whether the marker occurs anywhere in the notes.
func hasMarker(notes, marker string) bool {
	if notes == "" || marker == "" {
		return false
	}
	return strings.Contains(notes, marker)
}

// TagNotes appends the marker to the notes, preserving existing content.
func TagNotes(notes, marker string) string {
	if notes == "" {
		return marker
	}
	if hasMarker(notes, marker) {
		return notes
	}
	return notes + " " + marker
}
