package service

import (
	"errors"
	"sort"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

const (
	minPasswordLen = 8
	// bcrypt rechaza passwords de mas de 72 bytes.
	maxPasswordBytes = 72
	maxEmailLen      = 100
)

var errPasswordTooLong = errors.New("the password is too long (72 bytes max)")

// ValidationErrors agrupa errores por campo del formulario de registro.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for field := range v {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+v[field])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// RegisterInput es el formulario de registro: email y password por duplicado.
type RegisterInput struct {
	Email     string `json:"email"`
	Password1 string `json:"password1"`
	Password2 string `json:"password2"`
	Username  string `json:"username"`
}

// Validate aplica las reglas del formulario. No comprueba unicidad del email.
func (r RegisterInput) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.Length(0, maxEmailLen), is.Email),
		validation.Field(
			&r.Password1,
			validation.Required,
			validation.Length(minPasswordLen, 0),
			validation.By(fitsBcrypt),
			validation.By(notEntirelyNumeric),
			validation.By(notSimilarToEmail(r.Email)),
		),
		validation.Field(
			&r.Password2,
			validation.Required,
			validation.By(validateStringEquals(r.Password1)),
		),
		validation.Field(&r.Username, validation.Length(0, 150)),
	)
	if err == nil {
		return nil
	}

	var fieldErrs validation.Errors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(ValidationErrors, len(fieldErrs))
	for field, fieldErr := range fieldErrs {
		out[field] = fieldErr.Error()
	}
	return out
}

func validateStringEquals(str string) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("the two password fields didn't match")
		}
		return nil
	}
}

// fitsBcrypt cuenta bytes, no runas: Length de ozzo mide runas.
func fitsBcrypt(value interface{}) error {
	s, _ := value.(string)
	if len(s) > maxPasswordBytes {
		return errPasswordTooLong
	}
	return nil
}

func notEntirelyNumeric(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return nil
		}
	}
	return errors.New("this password is entirely numeric")
}

func notSimilarToEmail(email string) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		pwd := strings.ToLower(strings.TrimSpace(s))
		addr := normalizeEmail(email)
		if pwd == "" || addr == "" {
			return nil
		}
		local, _, _ := strings.Cut(addr, "@")
		if pwd == addr || pwd == local {
			return errors.New("the password is too similar to the email")
		}
		return nil
	}
}
