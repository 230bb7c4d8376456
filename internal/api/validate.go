package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// FieldError is one entry of a 400 validation response.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// validateStruct runs struct tags and flattens the result into FieldErrors.
func validateStruct(s any) []FieldError {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "body", Reason: err.Error()}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		var reason string
		switch fe.Tag() {
		case "required":
			reason = "is required"
		case "email":
			reason = "must be a valid email"
		case "max":
			reason = "must be at most " + fe.Param() + " characters"
		default:
			reason = "is invalid"
		}
		out = append(out, FieldError{Field: field, Reason: reason})
	}
	return out
}
