package models

import (
	"github.com/go-playground/validator/v10"
)

// ErrDetails maps a field name to a human message.
type ErrDetails map[string]string

// ErrorToString renders a single validation error the way API consumers
// expect it.
func ErrorToString(e validator.FieldError) ErrDetails {
	err := make(ErrDetails)
	switch e.Tag() {
	case "required":
		err[e.Field()] = "this field is required"
	case "max":
		err[e.Field()] = "this field cannot be longer than " + e.Param()
	case "min":
		err[e.Field()] = "this field must be longer than " + e.Param()
	case "oneof":
		err[e.Field()] = "this field must be one of: " + e.Param()
	default:
		err[e.Field()] = e.Field() + " is not valid"
	}
	return err
}
