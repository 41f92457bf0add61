package schema

type fieldRule struct {
	name string
	rule Rule
}

// Validator checks form payloads against a compiled field list
type Validator struct {
	fields []fieldRule
}

// Validate applies every field rule and collects all failures.
// Keys not in the schema are dropped from the cleaned payload.
func (v *Validator) Validate(payload map[string]interface{}) (map[string]interface{}, FieldErrors) {
	cleaned := make(map[string]interface{}, len(v.fields))
	var errs FieldErrors

	for _, f := range v.fields {
		value, present := payload[f.name]
		res := f.rule.Apply(value, present)
		if res.Err != nil {
			errs = append(errs, FieldError{Field: f.name, Message: res.Err.Error()})
			continue
		}
		if !res.Omit {
			cleaned[f.name] = res.Value
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return cleaned, nil
}
