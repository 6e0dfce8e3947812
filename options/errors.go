package options

import "fmt"

// ConfigurationError is an invalid compile configuration. It is always surfaced before
// any graph node is built.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}
