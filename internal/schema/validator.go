package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidEvent is returned when a raw event fails validation.
	ErrInvalidEvent = errors.New("invalid security event")

	// ErrMissingIdentity is returned when an event carries neither an
	// address nor a user id.
	ErrMissingIdentity = errors.New("security event requires ip_address or user_id")
)

// Validator handles validation of raw ingestion descriptors.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	v := validator.New()

	// Register custom validation for the closed event type vocabulary
	v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return EventType(fl.Field().String()).IsValid()
	})

	return &Validator{validate: v}
}

// Validate validates a raw event. The method is normalized to upper case
// before checks run.
func (v *Validator) Validate(raw *RawEvent) error {
	if raw == nil {
		return fmt.Errorf("%w: event is nil", ErrInvalidEvent)
	}

	raw.Method = strings.ToUpper(strings.TrimSpace(raw.Method))
	raw.IPAddress = strings.TrimSpace(raw.IPAddress)
	raw.UserID = strings.TrimSpace(raw.UserID)

	if err := v.validate.Struct(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if raw.IPAddress == "" && raw.UserID == "" {
		return ErrMissingIdentity
	}

	return nil
}

// IsValidationError reports whether err came from input validation.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrMissingIdentity)
}
