package config

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/c360/semflow/errors"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("subject", func(fl validator.FieldLevel) bool {
		return isValidNATSSubject(fl.Field().String())
	})
	_ = validate.RegisterValidation("subject_token", func(fl validator.FieldLevel) bool {
		return isValidNATSSubjectPart(fl.Field().String())
	})
}

// Validate checks field constraints and the rules that span fields
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, formatFieldError(fe))
			}
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(msgs, "; ")),
				"config", "Validate", "check fields")
		}
		return errors.WrapInvalid(err, "config", "Validate", "check fields")
	}

	if c.NATS.Username != "" && c.NATS.Token != "" {
		return errors.WrapInvalid(fmt.Errorf("%w: nats.username and nats.token are exclusive", errors.ErrInvalidConfig),
			"config", "Validate", "check credentials")
	}
	if c.NATS.Password != "" && c.NATS.Username == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: nats.password requires nats.username", errors.ErrInvalidConfig),
			"config", "Validate", "check credentials")
	}
	if tls := c.NATS.TLS; tls.Enabled && (tls.CertFile == "") != (tls.KeyFile == "") {
		return errors.WrapInvalid(fmt.Errorf("%w: nats.tls.cert_file and nats.tls.key_file must be set together", errors.ErrInvalidConfig),
			"config", "Validate", "check tls")
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "subject":
		return fmt.Sprintf("%s %q is not a valid NATS subject", field, fe.Value())
	case "subject_token":
		return fmt.Sprintf("%s %q is not valid in a NATS subject", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// isValidNATSSubjectPart checks a single subject token: letters, digits,
// dashes and underscores.
func isValidNATSSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// isValidNATSSubject checks a dotted subject without wildcards
func isValidNATSSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if !isValidNATSSubjectPart(part) {
			return false
		}
	}
	return true
}
