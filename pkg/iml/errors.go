package iml

import "fmt"

// Classified is implemented by every error in the daemon's taxonomy.
// Class returns the stable classification string used in API responses
// and audit events.
type Classified interface {
	error
	Class() string
}

// Stable classification strings for the protocol-level errors owned by
// this package. Other layers define their own Classified errors.
const (
	ClassParse    = "parse_error"
	ClassValidate = "validation_error"
	ClassTemplate = "template_resolution_error"
)

// ParseError reports malformed input: invalid JSON or a wrong top-level
// shape. 400-class at the API boundary.
type ParseError struct {
	Msg string
	// Raw holds at most the first 500 bytes of the offending payload.
	Raw string
}

func (e *ParseError) Error() string { return "parse error: " + e.Msg }

func (e *ParseError) Class() string { return ClassParse }

// ValidationError reports a structural or invariant violation in an
// otherwise well-formed plan.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Msg }

func (e *ValidationError) Class() string { return ClassValidate }

// TemplateError reports a template expression that could not be resolved.
type TemplateError struct {
	Expr   string
	Reason string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s could not be resolved: %s", e.Expr, e.Reason)
}

func (e *TemplateError) Class() string { return ClassTemplate }
