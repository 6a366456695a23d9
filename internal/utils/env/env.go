// Package env parses KEY=VALUE specs from the command line.
package env

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var keyRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// ParseSpecs parses KEY=VALUE specs. A bare KEY takes its value from the process
// environment. Later specs override earlier ones.
func ParseSpecs(specs []string) (map[string]string, error) {
	values := make(map[string]string, len(specs))

	for _, spec := range specs {
		if spec == "" {
			return nil, fmt.Errorf("spec cannot be empty")
		}

		if key, value, ok := strings.Cut(spec, "="); ok {
			if !isValidKey(key) {
				return nil, fmt.Errorf("invalid key %q", key)
			}

			values[key] = value
			continue
		}

		if !isValidKey(spec) {
			return nil, fmt.Errorf("invalid key %q", spec)
		}

		value, ok := os.LookupEnv(spec)
		if !ok {
			return nil, fmt.Errorf("environment variable %q is not set", spec)
		}

		values[spec] = value
	}

	return values, nil
}

// ParseContext parses KEY=VALUE specs into a pipeline request context. Values that are
// valid JSON (numbers, booleans, objects, arrays) keep their type, anything else is a string.
func ParseContext(specs []string) (map[string]any, error) {
	values, err := ParseSpecs(specs)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	ctx := make(map[string]any, len(values))
	for k, v := range values {
		var typed any
		if err := json.Unmarshal([]byte(v), &typed); err == nil && typed != nil {
			ctx[k] = typed
			continue
		}
		ctx[k] = v
	}

	return ctx, nil
}

func isValidKey(k string) bool {
	return keyRegexp.MatchString(k)
}
