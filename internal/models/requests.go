package models

// CreateLoanRequest is the body of POST /loans
type CreateLoanRequest struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type" validate:"required,oneof=FIXED VARIABLE"`
	Rate string `json:"rate" validate:"required"`
}

// RangeRequest uses pointers so that an explicit zero passes "required"
type RangeRequest struct {
	Min *float64 `json:"min" validate:"required,gte=0"`
	Max *float64 `json:"max" validate:"required,gte=0"`
}

// CreateVariantRequest is the body of POST /loans/{id}
type CreateVariantRequest struct {
	LTV      *RangeRequest `json:"ltv" validate:"required"`
	Duration *RangeRequest `json:"duration" validate:"required"`
	Spread   *float64      `json:"spread" validate:"required"`
}

// UpsertRateRequest is the body of POST /rates
type UpsertRateRequest struct {
	Code  string   `json:"code" validate:"required"`
	Value *float64 `json:"value" validate:"required"`
}

// StartQueryRequest is the body of POST /queries
type StartQueryRequest struct {
	Duration      *int   `json:"duration" validate:"required,gte=0"`
	PropertyValue *int   `json:"propertyValue" validate:"required,gt=0"`
	LoanValue     *int   `json:"loanValue" validate:"required,gte=0"`
	LoanType      string `json:"loanType" validate:"required,oneof=FIXED VARIABLE"`
}
