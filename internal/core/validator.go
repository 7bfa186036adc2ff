package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"hermes/internal/types"
)

// Validator wraps go-playground/validator for request bodies. Field names
// in reported errors use the json tag.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// FieldError is one failed constraint.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// NewValidator builds a Validator with the http_method rule registered.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("http_method", func(fl validator.FieldLevel) bool {
		_, ok := types.ParseHTTPMethod(fl.Field().String())
		return ok
	})
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct checks s against its validate tags. Constraint failures
// become one validation_invalid_configuration error listing every field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: describe(fe),
		})
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidConfig,
		fields[0].Message,
		nil,
		map[string]any{"fields": fields},
	)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "http_method":
		return fmt.Sprintf("%s must be one of GET, POST, PUT, PATCH, DELETE", fe.Field())
	case "url", "http_url":
		return fmt.Sprintf("%s must be an absolute http or https URL", fe.Field())
	default:
		return fmt.Sprintf("%s failed the %s rule", fe.Field(), fe.Tag())
	}
}
