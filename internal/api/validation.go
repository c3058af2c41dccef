package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/scaneye/scaneye/internal/discovery"
	"github.com/scaneye/scaneye/internal/models"
)

// Global validator instance
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	// subnet accepts an IPv4 CIDR block or "" (clears the manual subnet).
	_ = v.RegisterValidation("subnet", func(fl validator.FieldLevel) bool {
		value := strings.TrimSpace(fl.Field().String())
		if value == "" {
			return true
		}
		_, err := discovery.ValidateSubnet(value)
		return err == nil
	})

	return v
}

// ConfigRequest is the body of POST /api/config. Absent fields are left unchanged.
type ConfigRequest struct {
	ScanIntervalSeconds      *int    `json:"scanIntervalSeconds" validate:"omitempty,min=1,max=86400"`
	SpeedTestIntervalMinutes *int    `json:"speedTestIntervalMinutes" validate:"omitempty,min=1,max=10080"`
	ManualSubnet             *string `json:"manualSubnet" validate:"omitempty,subnet"`
}

// Patch converts the request into a settings patch.
func (c ConfigRequest) Patch() models.SettingsPatch {
	return models.SettingsPatch{
		ScanIntervalSeconds:      c.ScanIntervalSeconds,
		SpeedTestIntervalMinutes: c.SpeedTestIntervalMinutes,
		ManualSubnet:             c.ManualSubnet,
	}
}

// validateStruct validates a request struct and returns detailed errors
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	validationErrs := &models.ValidationErrors{}
	for _, e := range fieldErrs {
		validationErrs.Errors = append(validationErrs.Errors, models.ValidationError{
			Field:   e.Field(),
			Message: formatValidationMessage(e),
		})
	}
	return validationErrs
}

// formatValidationMessage creates human-readable error messages
func formatValidationMessage(e validator.FieldError) string {
	field := e.Field()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "subnet":
		return discovery.InvalidSubnetMessage
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
