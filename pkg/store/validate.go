package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ethpandaops/squad/pkg/naming"
)

// slugPattern is the shape of group, project, environment and backend slugs.
var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})

	_ = v.RegisterValidation("glob", func(fl validator.FieldLevel) bool {
		return naming.ValidGlob(fl.Field().String())
	})

	return v
}

// ValidSlug reports whether s is a valid slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Validate checks a model's struct tags and returns an ErrInvalid error
// naming every failing field.
func Validate(model any) error {
	err := validate.Struct(model)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}

	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

func formatFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "url":
		return field + " must be a valid url"
	case "email":
		return field + " must be a valid email"
	case "slug":
		return field + " must be a valid slug"
	case "glob":
		return field + " must be a glob where only * is a wildcard"
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
