// Package validation decodes and validates ingestion request bodies. A body is
// either one event object or an array of them; any violation rejects the whole
// batch.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/gosight/pulse/internal/model"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError describes one violation. Field is a JSON path such as
// "[1].sessionId"; it is empty for body-level problems.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// BatchError is returned for any malformed batch.
type BatchError struct {
	Details []FieldError
}

func (e *BatchError) Error() string {
	if len(e.Details) == 0 {
		return "invalid request data"
	}
	msgs := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		if d.Field == "" {
			msgs = append(msgs, d.Message)
			continue
		}
		msgs = append(msgs, d.Field+": "+d.Message)
	}
	return strings.Join(msgs, "; ")
}

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ParseBatch decodes body into events. It returns a *BatchError for anything
// that does not match the event shape.
func ParseBatch(body []byte) ([]model.TrackingEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &BatchError{Details: []FieldError{{Message: "request body is empty"}}}
	}

	var events []model.TrackingEvent
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, decodeError(err)
		}
	} else {
		var single model.TrackingEvent
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, decodeError(err)
		}
		events = []model.TrackingEvent{single}
	}

	var details []FieldError
	for i := range events {
		details = append(details, validateEvent(i, &events[i])...)
	}
	if len(details) > 0 {
		return nil, &BatchError{Details: details}
	}
	return events, nil
}

func validateEvent(index int, ev *model.TrackingEvent) []FieldError {
	err := getValidator().Struct(ev)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []FieldError{{Field: fmt.Sprintf("[%d]", index), Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, FieldError{
			Field:   fmt.Sprintf("[%d].%s", index, fe.Field()),
			Message: translate(fe),
		})
	}
	return out
}

func translate(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

func decodeError(err error) *BatchError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		msg := fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)
		return &BatchError{Details: []FieldError{{Field: field, Message: msg}}}
	}
	return &BatchError{Details: []FieldError{{Message: "malformed JSON: " + err.Error()}}}
}
