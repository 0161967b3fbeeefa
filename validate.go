package shylock

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validatable is implemented by entities that check rules struct tags
// cannot express. Returning a *ValidationError merges its violations with
// the tag violations; any other error becomes a single violation.
type Validatable interface {
	Validate() error
}

// Violation is one failed validation rule.
type Violation struct {
	Field   string
	Rule    string
	Param   string
	Message string
}

// ValidationError lists every rule an entity violates.
// errors.Is(err, ErrValidation) reports true for it.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrValidation.Error())
	for i, v := range e.Violations {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		if v.Field != "" {
			b.WriteString(v.Field)
			b.WriteByte(' ')
		}
		b.WriteString(v.Message)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// validate checks the `validate` tags of a struct entity and calls its
// Validate method, if any. Maps are not validated.
func (r *Repository) validate(v reflect.Value) error {
	for v.Kind() == reflect.Interface {
		v = v.Elem()
	}

	var violations []Violation

	target := v
	if target.Kind() == reflect.Pointer {
		target = target.Elem()
	}
	if target.Kind() == reflect.Struct {
		err := r.config.Validator.Struct(target.Interface())
		var fieldErrs validator.ValidationErrors
		switch {
		case err == nil:
		case errors.As(err, &fieldErrs):
			for _, fe := range fieldErrs {
				violations = append(violations, violationOf(fe))
			}
		default:
			return err
		}
	}

	if err := selfValidate(v); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			violations = append(violations, ve.Violations...)
		} else {
			violations = append(violations, Violation{Rule: "validate", Message: err.Error()})
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// selfValidate calls Validate on v or, for addressable values, on &v.
func selfValidate(v reflect.Value) error {
	if vv, ok := v.Interface().(Validatable); ok {
		return vv.Validate()
	}
	if v.CanAddr() {
		if vv, ok := v.Addr().Interface().(Validatable); ok {
			return vv.Validate()
		}
	}
	return nil
}

// violationOf turns a validator field error into a Violation. The field is
// reported by its path below the entity, e.g. "Address.City".
func violationOf(fe validator.FieldError) Violation {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "min":
		if fe.Kind() == reflect.String {
			msg = fmt.Sprintf("must be at least %s characters", fe.Param())
		} else {
			msg = fmt.Sprintf("must be at least %s", fe.Param())
		}
	case "max":
		if fe.Kind() == reflect.String {
			msg = fmt.Sprintf("must not exceed %s characters", fe.Param())
		} else {
			msg = fmt.Sprintf("must not exceed %s", fe.Param())
		}
	case "oneof":
		msg = fmt.Sprintf("must be one of: %s", fe.Param())
	case "email":
		msg = "must be a valid email address"
	default:
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on %s:%s", fe.Tag(), fe.Param())
		} else {
			msg = fmt.Sprintf("failed on %s", fe.Tag())
		}
	}

	return Violation{
		Field:   field,
		Rule:    fe.Tag(),
		Param:   fe.Param(),
		Message: msg,
	}
}
