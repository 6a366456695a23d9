// Package validation checks agent outputs against the minimum quality rules.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/slok/agentline/internal/model"
)

const (
	// MinCitations is the minimum number of citations a task result needs.
	MinCitations = 2
	// MinImplementationLength is the minimum trimmed length of a code implementation.
	MinImplementationLength = 50
	// MinTestsLength is the minimum trimmed length of the code tests.
	MinTestsLength = 20
)

// Result is the result of validating a task output.
type Result struct {
	Valid  bool
	Errors []string
}

// Validate checks a task result, all the rules are checked so the returned errors
// are the complete list of defects.
func Validate(res model.TaskResult) Result {
	var errs []string

	if len(res.Citations) < MinCitations {
		errs = append(errs, fmt.Sprintf("insufficient citations: got %d, need at least %d", len(res.Citations), MinCitations))
	}

	if code, ok := res.CodeArtifact(); ok {
		// Lengths are in characters, not bytes.
		impl := utf8.RuneCountInString(strings.TrimSpace(code.Implementation))
		switch {
		case impl == 0:
			errs = append(errs, "code implementation is empty")
		case impl < MinImplementationLength:
			errs = append(errs, fmt.Sprintf("code implementation too short: got %d characters, need at least %d", impl, MinImplementationLength))
		}

		tests := utf8.RuneCountInString(strings.TrimSpace(code.Tests))
		switch {
		case tests == 0:
			errs = append(errs, "code tests are empty")
		case tests < MinTestsLength:
			errs = append(errs, fmt.Sprintf("code tests too short: got %d characters, need at least %d", tests, MinTestsLength))
		}
	}

	return Result{
		Valid:  len(errs) == 0,
		Errors: errs,
	}
}
