// Package validate checks request payloads and identifiers. Messages name
// fields by their JSON key so they can be shown to API clients as is.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/google/uuid"
)

// ErrInvalid is matched by every FieldError.
var ErrInvalid = errors.New("invalid input")

type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string { return e.Message }

func (e *FieldError) Is(target error) bool { return target == ErrInvalid }

var validate *validator.Validate

var translator ut.Translator

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	translator, _ = ut.New(en.New(), en.New()).GetTranslator("en")
	en_translations.RegisterDefaultTranslations(validate, translator)
}

// Check validates val against its struct tags and reports the first
// violation.
func Check(val any) error {
	if err := validate.Struct(val); err != nil {

		verrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}

		if len(verrors) < 1 {
			return nil
		}

		return &FieldError{Field: verrors[0].Field(), Message: verrors[0].Translate(translator)}
	}

	return nil
}

// Email trims and lower-cases a bare address. Display-name forms such as
// "Ann <ann@example.com>" are rejected.
func Email(s string) (string, error) {
	s = strings.TrimSpace(s)
	if err := validate.Var(s, "required,email,max=320"); err != nil {
		return "", &FieldError{Field: "email", Message: fmt.Sprintf("%q is not a valid email address", s)}
	}
	return strings.ToLower(s), nil
}

func GenerateID() string {
	return uuid.NewString()
}

func CheckID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &FieldError{Field: "id", Message: "ID is not in its proper form"}
	}
	return nil
}
