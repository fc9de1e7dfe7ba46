package plan

import (
	"fmt"
	"strings"
)

// FieldError is one problem in a proposal, addressed by its field path such
// as steps[2].depends_on.
type FieldError struct {
	Path    string
	Message string
}

func (e FieldError) Error() string { return e.Path + ": " + e.Message }

// ValidationErrors collects every problem of a proposal so one replan
// request can report all of them.
type ValidationErrors struct {
	Errors []FieldError
}

func (ve *ValidationErrors) Add(path, message string) {
	ve.Errors = append(ve.Errors, FieldError{Path: path, Message: message})
}

func (ve *ValidationErrors) Addf(path, format string, args ...any) {
	ve.Add(path, fmt.Sprintf(format, args...))
}

// Fields lists the distinct paths that failed, in first-seen order.
func (ve *ValidationErrors) Fields() []string {
	seen := make(map[string]bool, len(ve.Errors))
	var out []string
	for _, e := range ve.Errors {
		if !seen[e.Path] {
			seen[e.Path] = true
			out = append(out, e.Path)
		}
	}
	return out
}

func (ve *ValidationErrors) Error() string {
	var sb strings.Builder
	for i, e := range ve.Errors {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(e.Error())
	}
	return sb.String()
}

func (ve *ValidationErrors) HasErrors() bool { return ve != nil && len(ve.Errors) > 0 }

// OrErr returns nil when nothing was collected.
func (ve *ValidationErrors) OrErr() error {
	if !ve.HasErrors() {
		return nil
	}
	return ve
}

// PlanValidationError ties the collected errors to the goal they were
// proposed for.
type PlanValidationError struct {
	Goal   string
	Errors *ValidationErrors
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("plan for %q is invalid:\n%s", e.Goal, e.Errors.Error())
}

func (e *PlanValidationError) Unwrap() error { return e.Errors }

// Feedback renders the errors as a bullet list for the next planning request.
func (e *PlanValidationError) Feedback() string {
	var sb strings.Builder
	sb.WriteString("The previous proposal was rejected:\n")
	for _, fe := range e.Errors.Errors {
		fmt.Fprintf(&sb, "- %s\n", fe.Error())
	}
	return sb.String()
}
