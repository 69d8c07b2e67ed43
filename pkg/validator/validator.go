package validator

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator defines the interface for validation
type Validator interface {
	// Validate validates a struct and returns validation errors
	Validate(s interface{}) error
	// ValidateField validates a single field value against a tag
	ValidateField(field interface{}, tag string) error
}

// ValidationError represents a single field validation error
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e ValidationError) Error() string {
	return e.Message
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Message)
	}
	return strings.Join(messages, "; ")
}

// PlaygroundValidator implements Validator using go-playground/validator
type PlaygroundValidator struct {
	validator *validator.Validate
}

// New creates a new validator with the gateway's custom tags registered:
// phone (10-15 digits after normalization), group_id (10-25 digits) and
// entity_name (2-50 characters).
func New() Validator {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		digits := digitsOnly(fl.Field().String())
		return len(digits) >= 10 && len(digits) <= 15
	})

	_ = v.RegisterValidation("group_id", func(fl validator.FieldLevel) bool {
		id := strings.TrimSuffix(fl.Field().String(), "@g.us")
		if id != digitsOnly(id) {
			return false
		}
		return len(id) >= 10 && len(id) <= 25
	})

	_ = v.RegisterValidation("entity_name", func(fl validator.FieldLevel) bool {
		name := strings.TrimSpace(fl.Field().String())
		return len(name) >= 2 && len(name) <= 50
	})

	return &PlaygroundValidator{validator: v}
}

// Validate validates a struct
func (p *PlaygroundValidator) Validate(s interface{}) error {
	err := p.validator.Struct(s)
	if err == nil {
		return nil
	}

	return toValidationErrors(err)
}

// ValidateField validates a single field value against a tag
func (p *PlaygroundValidator) ValidateField(field interface{}, tag string) error {
	err := p.validator.Var(field, tag)
	if err == nil {
		return nil
	}

	return toValidationErrors(err)
}

func toValidationErrors(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var errs ValidationErrors
	for _, fieldErr := range validationErrors {
		errs = append(errs, ValidationError{
			Field:   fieldErr.Field(),
			Tag:     fieldErr.Tag(),
			Value:   fmt.Sprintf("%v", fieldErr.Value()),
			Message: buildMessage(fieldErr),
		})
	}

	return errs
}

func buildMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldErr.Field())
	case "phone":
		return fmt.Sprintf("%s must contain 10-15 digits", fieldErr.Field())
	case "group_id":
		return fmt.Sprintf("%s must contain 10-25 digits", fieldErr.Field())
	case "entity_name":
		return fmt.Sprintf("%s must be between 2 and 50 characters", fieldErr.Field())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fieldErr.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fieldErr.Field(), fieldErr.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fieldErr.Field(), fieldErr.Param())
	default:
		return fmt.Sprintf("%s failed validation on %s", fieldErr.Field(), fieldErr.Tag())
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
