package validation

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// PhoneTag is the struct tag registered for mobile phone numbers.
const PhoneTag = "cnphone"

var phonePattern = regexp.MustCompile(`^1([38][0-9]|4[579]|5[0-35-9]|6[6]|7[0135678]|9[89])\d{8}$`)

// IsPhone reports whether raw is a well-formed mainland mobile number.
func IsPhone(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	return phonePattern.MatchString(raw)
}

// Register installs the custom tags on v.
func Register(v *validator.Validate) error {
	return v.RegisterValidation(PhoneTag, func(fl validator.FieldLevel) bool {
		return IsPhone(fl.Field().String())
	})
}

// New returns a validator with the custom tags installed.
func New() *validator.Validate {
	v := validator.New()
	// registration only fails for an empty tag or nil func
	_ = Register(v)
	return v
}
