package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error with helpful suggestions
type ValidationError struct {
	Field        string      `json:"field"`
	Message      string      `json:"message"`
	Suggestion   string      `json:"suggestion"`
	CurrentValue interface{} `json:"current_value,omitempty"`
	ValidValues  []string    `json:"valid_values,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error with suggestion
func NewValidationError(field, message, suggestion string) ValidationError {
	return ValidationError{
		Field:      field,
		Message:    message,
		Suggestion: suggestion,
	}
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (e ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var messages []string
	for _, err := range e.Errors {
		messages = append(messages, err.Error())
	}

	return fmt.Sprintf("multiple validation errors:\n  - %s", strings.Join(messages, "\n  - "))
}

// IsEmpty returns true if there are no validation errors
func (e ValidationErrors) IsEmpty() bool {
	return len(e.Errors) == 0
}

// Fields returns the names of all invalid fields
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		fields = append(fields, err.Field)
	}
	return fields
}

// GetFixSuggestions returns a formatted list of fix suggestions
func (e ValidationErrors) GetFixSuggestions() []string {
	var suggestions []string
	for _, err := range e.Errors {
		if err.Suggestion != "" {
			suggestions = append(suggestions, fmt.Sprintf("%s: %s", err.Field, err.Suggestion))
		}
	}
	return suggestions
}

// ConfigError represents configuration loading/processing errors
type ConfigError struct {
	Type       string `json:"type"`
	File       string `json:"file,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
	Cause      error  `json:"-"`
}

func (e ConfigError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("config %s error in '%s': %s", e.Type, e.File, e.Message)
	}
	return fmt.Sprintf("config %s error: %s", e.Type, e.Message)
}

func (e ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error
func NewConfigError(errorType, message, suggestion string) ConfigError {
	return ConfigError{
		Type:       errorType,
		Message:    message,
		Suggestion: suggestion,
	}
}

// NewConfigFileError creates a configuration error for a specific file
func NewConfigFileError(errorType, file, message, suggestion string) ConfigError {
	return ConfigError{
		Type:       errorType,
		File:       file,
		Message:    message,
		Suggestion: suggestion,
	}
}

// WithCause adds a cause to the error
func (e ConfigError) WithCause(cause error) ConfigError {
	e.Cause = cause
	return e
}
