package httpx

import (
	"errors"
	"net/http"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
)

// RespondError maps catalog errors to RFC7807 responses. Unrecognised
// errors become opaque 500s so internals never leak to clients.
func RespondError(w http.ResponseWriter, err error) {
	var verr *catalog.ValidationError
	switch {
	case errors.As(err, &verr):
		ValidationProblem(w, verr)
	case errors.Is(err, catalog.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, catalog.ErrDuplicateSKU):
		Problem(w, http.StatusConflict, "Duplicate SKU", err.Error())
	case errors.Is(err, catalog.ErrVersionConflict):
		Problem(w, http.StatusConflict, "Version Conflict", err.Error())
	case errors.Is(err, catalog.ErrCategoryCycle):
		Problem(w, http.StatusUnprocessableEntity, "Category Cycle", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// ValidationProblem renders a validation failure with per-field detail.
func ValidationProblem(w http.ResponseWriter, verr *catalog.ValidationError) {
	JSON(w, http.StatusBadRequest, struct {
		ProblemDetail
		Errors []catalog.FieldError `json:"errors"`
	}{
		ProblemDetail: ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: verr.Error(),
		},
		Errors: verr.Errors,
	})
}
