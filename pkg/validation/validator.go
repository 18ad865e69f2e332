package validation

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// validate is a singleton validator instance
	validate *validator.Validate
)

func init() {
	validate = validator.New()
	// listen_addr accepts host:port with an optional empty host, as in ":9090"
	_ = validate.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
		_, _, err := net.SplitHostPort(fl.Field().String())
		return err == nil
	})
	// mangos_url accepts the transports the ack transport dials
	_ = validate.RegisterValidation("mangos_url", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		for _, scheme := range []string{"inproc://", "tcp://", "ipc://"} {
			if strings.HasPrefix(s, scheme) && len(s) > len(scheme) {
				return true
			}
		}
		return false
	})
}

// ValidateStruct validates v against its `validate` struct tags.
func ValidateStruct(v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}
	return formatValidationError(validate.Struct(v))
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	// Return the first validation error in a user-friendly format
	for _, e := range validationErrs {
		field := e.Namespace()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min", "gte":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max", "lte":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "gtfield":
			return fmt.Errorf("%s: must be greater than %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		case "listen_addr":
			return fmt.Errorf("%s: %q is not a host:port address", field, e.Value())
		case "mangos_url":
			return fmt.Errorf("%s: %q is not an inproc, tcp or ipc url", field, e.Value())
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
