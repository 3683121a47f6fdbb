package provider

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shohag/calrelay/internal/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateEvent checks the invariants every adapter relies on: a non-empty
// title, start before end and well-formed attendee emails. The title is
// trimmed in place.
func ValidateEvent(event *models.CalendarEvent) error {
	event.Title = strings.TrimSpace(event.Title)
	if err := validate.Struct(event); err != nil {
		return validationError(err)
	}
	if !event.EndTime.After(event.StartTime) {
		return NewError(CodeValidation, "end_time must be after start_time")
	}
	return nil
}

func ValidatePatch(patch *models.EventPatch) error {
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return NewError(CodeValidation, "title must not be empty")
		}
		patch.Title = &title
	}
	if patch.StartTime != nil && patch.EndTime != nil && !patch.EndTime.After(*patch.StartTime) {
		return NewError(CodeValidation, "end_time must be after start_time")
	}
	if err := validate.Struct(patch); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) *Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewError(CodeValidation, "%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return &Error{Code: CodeValidation, Message: strings.Join(msgs, "; ")}
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), strings.SplitN(fe.Namespace(), ".", 2)[0]+".")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s is not a valid email address", field)
	case "gtfield":
		return fmt.Sprintf("%s must be after %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
}
