package payloads

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var check = validator.New(validator.WithRequiredStructEnabled())

// Validate enforces the struct tags on an event payload.
func Validate(payload any) error {
	if err := check.Struct(payload); err != nil {
		return fmt.Errorf("invalid %T payload: %w", payload, err)
	}
	return nil
}
