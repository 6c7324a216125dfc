package utils

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct validates v using its struct tags.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ParseJSON decodes data into v and validates the result using struct tags.
func ParseJSON(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty body")
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse json: %w", err)
	}

	return ValidateStruct(v)
}
