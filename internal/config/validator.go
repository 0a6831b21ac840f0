package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "dispatch.max_attempts")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// planTypeRegex validates plan type names: lowercase alphanumeric with
// hyphens, starting with a letter (e.g., "ui", "nextjs-architecture").
var planTypeRegex = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateDispatch()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateSession validates the SessionConfig
func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if len(c.Session.DefaultPlans) == 0 {
		errors = append(errors, ValidationError{
			Field:   "session.default_plans",
			Value:   c.Session.DefaultPlans,
			Message: "must list at least one plan type",
		})
	}
	for _, planType := range c.Session.DefaultPlans {
		if !planTypeRegex.MatchString(planType) {
			errors = append(errors, ValidationError{
				Field:   "session.default_plans",
				Value:   planType,
				Message: "plan types must be lowercase alphanumeric with hyphens",
			})
		}
	}

	if c.Session.MaxAppendRetries < 1 {
		errors = append(errors, ValidationError{
			Field:   "session.max_append_retries",
			Value:   c.Session.MaxAppendRetries,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateDispatch validates the DispatchConfig
func (c *Config) validateDispatch() []ValidationError {
	var errors []ValidationError

	if c.Dispatch.TimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "dispatch.timeout_seconds",
			Value:   c.Dispatch.TimeoutSeconds,
			Message: "must be non-negative (0 disables the timeout)",
		})
	}

	if c.Dispatch.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "dispatch.max_attempts",
			Value:   c.Dispatch.MaxAttempts,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB < 1 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be at least 1",
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
