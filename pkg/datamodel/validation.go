package datamodel

import "strings"

// ValidationReason is one structured rejection reason.
type ValidationReason struct {
	Validator string `json:"validator"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message"`
}

// ValidationResult is pass/fail plus the reasons of the first failing
// validator. It never coerces invalid data.
type ValidationResult struct {
	Valid   bool               `json:"valid"`
	Reasons []ValidationReason `json:"reasons,omitempty"`
}

func ValidationOK() ValidationResult {
	return ValidationResult{Valid: true}
}

func ValidationFail(reasons ...ValidationReason) ValidationResult {
	return ValidationResult{Valid: false, Reasons: reasons}
}

func (v ValidationResult) String() string {
	if v.Valid {
		return "valid"
	}
	parts := make([]string, 0, len(v.Reasons))
	for _, r := range v.Reasons {
		if r.Field != "" {
			parts = append(parts, r.Validator+": "+r.Field+": "+r.Message)
		} else {
			parts = append(parts, r.Validator+": "+r.Message)
		}
	}
	return "invalid: " + strings.Join(parts, "; ")
}
