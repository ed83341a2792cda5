package models

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateRecord checks the structural requirements of a raw record. Missing identity
// fields are not an error; they only prevent a deterministic entity id.
func ValidateRecord(rec *RawRecord) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	if err := validate.Struct(rec); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", e.Field(), e.Tag()))
			}
			return fmt.Errorf("invalid record: %s", strings.Join(msgs, ", "))
		}
		return err
	}
	return nil
}
