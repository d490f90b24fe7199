// Package inputs loads the drug list and zip code lists a collection run
// works through.
package inputs

import (
	"fmt"
	"strings"
)

// ConfigurationError reports input problems that must be fixed before a run
// can start. It lists every problem found rather than only the first.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	switch len(e.Problems) {
	case 0:
		return "configuration error"
	case 1:
		return "configuration error: " + e.Problems[0]
	default:
		return fmt.Sprintf("configuration error: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
	}
}

func (e *ConfigurationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ConfigurationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
