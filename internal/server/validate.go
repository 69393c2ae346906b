package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"livenessd/internal/security"
)

func newValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("label", validateLabel); err != nil {
		return nil, fmt.Errorf("register label validation: %w", err)
	}
	return v, nil
}

// validateLabel rejects client text carrying control characters or
// invalid UTF-8. Length is left to max=.
func validateLabel(fl validator.FieldLevel) bool {
	return security.ValidateLabel(fl.Field().String(), 0) == nil
}

// describe flattens validator errors into one line per field.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
