package config

import (
	"fmt"
	"strings"
)

// ConfigurationError reports settings the service cannot start with. It is
// fatal at startup and rejected on reload.
type ConfigurationError struct {
	Problems []string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Wrap marks err as a configuration problem.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{Err: err}
}
