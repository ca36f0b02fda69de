package catalog

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldError describes one invalid field on a rejected write.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult reports the outcome of validating a candidate record.
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// ValidationError carries field-level detail for a rejected write. The
// write is rejected as a whole; nothing partially applies.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "catalog: validation failed"
	}
	fields := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		fields[i] = fe.Field
	}
	return "catalog: validation failed: " + strings.Join(fields, ", ")
}

// Validator checks candidate products against schema invariants. It has
// no side effects; SKU uniqueness is enforced by the unique index at
// write time, not here.
type Validator struct {
	validate *validator.Validate
}

// NewValidator constructs a Validator.
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// ValidateProduct checks a candidate product. Every writer calls this
// synchronously before touching storage.
func (v *Validator) ValidateProduct(p Product) ValidationResult {
	var errs []FieldError

	if err := v.validate.Struct(p); err != nil {
		for _, fieldErr := range err.(validator.ValidationErrors) {
			errs = append(errs, FieldError{
				Field:   fieldErr.Field(),
				Message: fmt.Sprintf("failed %q constraint", fieldErr.Tag()),
			})
		}
	}

	if strings.TrimSpace(p.SKU) == "" {
		errs = appendUnique(errs, FieldError{Field: "SKU", Message: "sku must not be blank"})
	}
	if p.InStock && p.InventoryQty <= 0 {
		errs = append(errs, FieldError{Field: "InStock", Message: "in_stock requires inventory_qty > 0"})
	}
	if p.CompareAtPrice > 0 && p.CompareAtPrice < p.Price {
		errs = append(errs, FieldError{Field: "CompareAtPrice", Message: "compare_at_price must not undercut price"})
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Err converts a failed result into a *ValidationError, nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Errors: r.Errors}
}

func appendUnique(errs []FieldError, fe FieldError) []FieldError {
	for _, existing := range errs {
		if existing.Field == fe.Field {
			return errs
		}
	}
	return append(errs, fe)
}
