package schema

import "strings"

// FieldError is a validation failure of one payload field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors lists failures in schema order
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for _, e := range fe {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

// First returns the first failure, if any
func (fe FieldErrors) First() (FieldError, bool) {
	if len(fe) == 0 {
		return FieldError{}, false
	}
	return fe[0], true
}

// Map returns failures keyed by field name
func (fe FieldErrors) Map() map[string]string {
	out := make(map[string]string, len(fe))
	for _, e := range fe {
		if _, ok := out[e.Field]; !ok {
			out[e.Field] = e.Message
		}
	}
	return out
}
