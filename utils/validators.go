package utils

import (
	"fmt"
	"unicode"

	"accountguard/model"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("display_name", ValidateDisplayNameRule); err != nil {
		return fmt.Errorf("register display_name: %w", err)
	}
	if err := v.RegisterValidation("verification_method", ValidateMethodRule); err != nil {
		return fmt.Errorf("register verification_method: %w", err)
	}
	return nil
}

// InitValidator installs the custom rules on gin's binding engine.
func InitValidator() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected binding validator engine")
	}
	return RegisterCustomValidators(v)
}

func ValidateDisplayNameRule(fl validator.FieldLevel) bool {
	return ValidateDisplayName(fl.Field().String())
}

// ValidateDisplayName rejects control and format characters, which could be
// used to spoof how a session looks in the device list.
func ValidateDisplayName(name string) bool {
	for _, r := range name {
		if unicode.IsControl(r) || unicode.In(r, unicode.Cf) {
			return false
		}
	}
	return true
}

func ValidateMethodRule(fl validator.FieldLevel) bool {
	return model.Method(fl.Field().String()).Valid()
}
