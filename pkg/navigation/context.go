package navigation

import (
	"errors"
	"fmt"
)

// ErrInvalidContext is returned when a working context write carries an
// out-of-range field. Callers wrap it with the offending field.
var ErrInvalidContext = errors.New("navigation: invalid working context")

// Period identifies one payroll cycle. A zero field means "not selected".
type Period struct {
	Year     int `json:"year"`
	Month    int `json:"month"`
	Sequence int `json:"sequence"`
}

// WorkingContext scopes every entity query to a company, a payroll run and a
// period. Zero values mean the field has not been selected; zero is never a
// legal selected value for any of the five fields.
type WorkingContext struct {
	CompanyID    int64  `json:"company_id"`
	PayrollRunID int64  `json:"payroll_run_id"`
	Period       Period `json:"period"`
}

// Complete reports whether all five fields are selected.
func (c WorkingContext) Complete() bool {
	return len(c.Missing()) == 0
}

// Missing lists the unselected fields in declaration order.
func (c WorkingContext) Missing() []string {
	var out []string
	if c.CompanyID <= 0 {
		out = append(out, "company_id")
	}
	if c.PayrollRunID <= 0 {
		out = append(out, "payroll_run_id")
	}
	if c.Period.Year <= 0 {
		out = append(out, "period.year")
	}
	if c.Period.Month <= 0 {
		out = append(out, "period.month")
	}
	if c.Period.Sequence <= 0 {
		out = append(out, "period.sequence")
	}
	return out
}

// IsZero reports whether nothing has been selected.
func (c WorkingContext) IsZero() bool {
	return c == WorkingContext{}
}

// Validate checks a context about to be stored. Every field must be selected
// and in range; partial writes are rejected.
func (c WorkingContext) Validate() error {
	switch {
	case c.CompanyID <= 0:
		return fmt.Errorf("%w: company_id must be positive", ErrInvalidContext)
	case c.PayrollRunID <= 0:
		return fmt.Errorf("%w: payroll_run_id must be positive", ErrInvalidContext)
	case c.Period.Year < 1 || c.Period.Year > 9999:
		return fmt.Errorf("%w: period.year out of range", ErrInvalidContext)
	case c.Period.Month < 1 || c.Period.Month > 12:
		return fmt.Errorf("%w: period.month out of range", ErrInvalidContext)
	case c.Period.Sequence < 1:
		return fmt.Errorf("%w: period.sequence must be positive", ErrInvalidContext)
	}
	return nil
}

// Values flattens the context for query strings and rule evaluation.
// Unselected fields are omitted.
func (c WorkingContext) Values() map[string]string {
	out := make(map[string]string, 5)
	if c.CompanyID > 0 {
		out["company_id"] = fmt.Sprint(c.CompanyID)
	}
	if c.PayrollRunID > 0 {
		out["payroll_run_id"] = fmt.Sprint(c.PayrollRunID)
	}
	if c.Period.Year > 0 {
		out["year"] = fmt.Sprint(c.Period.Year)
	}
	if c.Period.Month > 0 {
		out["month"] = fmt.Sprint(c.Period.Month)
	}
	if c.Period.Sequence > 0 {
		out["sequence"] = fmt.Sprint(c.Period.Sequence)
	}
	return out
}
