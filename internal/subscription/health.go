package subscription

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	perrors "github.com/rcourtman/pulsefit/internal/errors"
)

// ValidationError is a violated record invariant. Health checks report these
// without blocking reads.
type ValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is matches perrors.ErrValidation.
func (e ValidationError) Is(target error) bool {
	return target == perrors.ErrValidation
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func recordValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterStructValidation(recordInvariants, Record{})
	})
	return validate
}

func recordInvariants(sl validator.StructLevel) {
	r := sl.Current().Interface().(Record)

	if !r.Status.GrantsUnlimitedUse() && r.FreeUsesConsumed > r.FreeUseLimit {
		sl.ReportError(r.FreeUsesConsumed, "FreeUsesConsumed", "free_uses_consumed", "usage_within_limit", "")
	}
	if r.CurrentPeriodStart > 0 && r.CurrentPeriodEnd > 0 && r.CurrentPeriodEnd < r.CurrentPeriodStart {
		sl.ReportError(r.CurrentPeriodEnd, "CurrentPeriodEnd", "current_period_end", "period_order", "")
	}
}

// HealthCheck returns every invariant r violates. A nil record is healthy.
func HealthCheck(r *Record) []ValidationError {
	if r == nil {
		return nil
	}

	err := recordValidator().Struct(r)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Field: "record", Rule: "invalid", Message: err.Error()}}
	}

	issues := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		issues = append(issues, ValidationError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: describeRule(fe, r),
		})
	}
	return issues
}

func describeRule(fe validator.FieldError, r *Record) string {
	switch fe.Tag() {
	case "usage_within_limit":
		return fmt.Sprintf("free uses consumed (%d) exceed limit (%d)", r.FreeUsesConsumed, r.FreeUseLimit)
	case "period_order":
		return fmt.Sprintf("period end %d precedes start %d", r.CurrentPeriodEnd, r.CurrentPeriodStart)
	case "oneof":
		return fmt.Sprintf("unknown status %q", r.Status)
	case "gte":
		return "must not be negative"
	default:
		return strings.TrimSpace(fe.Error())
	}
}
