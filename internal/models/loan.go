package models

// Loan types
const (
	LoanTypeFixed    = "FIXED"
	LoanTypeVariable = "VARIABLE"
)

// Range is an inclusive numeric interval
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Loan represents a loan product in the catalogue
type Loan struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	// Rate is the code of the base rate the loan is priced from
	Rate     string        `json:"rate"`
	Variants []LoanVariant `json:"variants,omitempty"`
}

// LoanVariant is one priced configuration of a loan
type LoanVariant struct {
	ID       string  `json:"id"`
	LoanID   string  `json:"loanId"`
	LTV      Range   `json:"ltv"`
	Duration Range   `json:"duration"`
	Spread   float64 `json:"spread"`
}

// Rate is a named base rate
type Rate struct {
	Code  string  `json:"code"`
	Value float64 `json:"value"`
}
