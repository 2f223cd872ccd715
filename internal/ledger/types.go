package ledger

// Account is a ledger account. Off-budget and closed accounts are excluded
// from reconciliation runs.
type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OffBudget bool   `json:"offbudget"`
	Closed    bool   `json:"closed"`
}

// CategoryGroup is a named group of categories.
type CategoryGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Category belongs to exactly one category group.
type Category struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GroupID string `json:"group_id"`
}

// Transaction as held by the ledger service. Amount is in minor currency
// units and signed (expenses are negative). Category is empty when the
// transaction is uncategorized. The core only ever mutates Notes.
type Transaction struct {
	ID       string `json:"id"`
	Account  string `json:"account"`
	Payee    string `json:"payee_name"`
	Amount   int64  `json:"amount"`
	Date     string `json:"date"`
	Category string `json:"category,omitempty"`
	Cleared  bool   `json:"cleared"`
	Notes    string `json:"notes,omitempty"`
}
