package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"applybox/internal/model"
)

var (
	emailPattern  = regexp.MustCompile(`^[A-Za-z0-9._%+'-]+@[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?(?:\.[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?)*\.[A-Za-z]{2,}$`)
	digitsPattern = regexp.MustCompile(`^[0-9]+$`)
	tcknPattern   = regexp.MustCompile(`^[0-9]{11}$`)
)

// Result is the outcome of applying a rule to one value
type Result struct {
	Value interface{}
	// Omit drops the field from the cleaned payload.
	Omit bool
	Err  error
}

// Rule validates and normalises a single field value
type Rule interface {
	Apply(value interface{}, present bool) Result
}

type check func(s string) error

// textRule covers every string-valued field type
type textRule struct {
	label    string
	optional bool
	checks   []check
}

func (r textRule) Apply(value interface{}, present bool) Result {
	if !present || value == nil {
		if r.optional {
			return Result{Omit: true}
		}
		return Result{Err: fmt.Errorf("%s is required", r.label)}
	}

	s, ok := toString(value)
	if !ok {
		return Result{Err: fmt.Errorf("%s must be text", r.label)}
	}
	if s == "" {
		if r.optional {
			return Result{Value: ""}
		}
		return Result{Err: fmt.Errorf("%s is required", r.label)}
	}

	for _, c := range r.checks {
		if err := c(s); err != nil {
			return Result{Err: err}
		}
	}
	return Result{Value: s}
}

// checkboxRule requires a true value when the box is mandatory
type checkboxRule struct {
	label    string
	required bool
}

func (r checkboxRule) Apply(value interface{}, present bool) Result {
	checked := false
	if present && value != nil {
		b, ok := toBool(value)
		if !ok {
			return Result{Err: fmt.Errorf("%s must be true or false", r.label)}
		}
		checked = b
	}
	if r.required && !checked {
		return Result{Err: fmt.Errorf("%s must be accepted", r.label)}
	}
	if !present && !r.required {
		return Result{Omit: true}
	}
	return Result{Value: checked}
}

func buildRule(def model.FieldDefinition) Rule {
	label := def.Label
	if label == "" {
		label = def.Name
	}

	// Identity and phone fields ignore their declared type and flags.
	switch def.Name {
	case "tckn", "tc":
		return textRule{label: label, checks: []check{
			matches(tcknPattern, label+" must be exactly 11 digits"),
		}}
	case "phone":
		return textRule{label: label, checks: []check{
			minLength(10, fmt.Sprintf("%s must be at least 10 characters", label)),
		}}
	}

	if def.Type == model.FieldCheckbox {
		return checkboxRule{label: label, required: def.Required}
	}

	r := textRule{label: label, optional: !def.Required}
	switch def.Type {
	case model.FieldEmail:
		r.checks = append(r.checks, matches(emailPattern, label+" must be a valid email address"))
	case model.FieldNumber:
		r.checks = append(r.checks, matches(digitsPattern, label+" must contain digits only"))
	case model.FieldSelect:
		if len(def.Options) > 0 {
			r.checks = append(r.checks, oneOf(def.Options, label+" has an invalid selection"))
		}
	}

	if val := def.Validation; val != nil {
		if val.MinLength != nil {
			r.checks = append(r.checks, minLength(*val.MinLength, fmt.Sprintf("%s must be at least %d characters", label, *val.MinLength)))
		}
		if val.MaxLength != nil {
			r.checks = append(r.checks, maxLength(*val.MaxLength, fmt.Sprintf("%s must be at most %d characters", label, *val.MaxLength)))
		}
		if val.Pattern != "" {
			msg := val.PatternMessage
			if msg == "" {
				msg = label + " has an invalid format"
			}
			// Definitions are checked before rules are built.
			r.checks = append(r.checks, matches(regexp.MustCompile(val.Pattern), msg))
		}
	}
	return r
}

func matches(re *regexp.Regexp, msg string) check {
	return func(s string) error {
		if !re.MatchString(s) {
			return errors.New(msg)
		}
		return nil
	}
}

func minLength(n int, msg string) check {
	return func(s string) error {
		if utf8.RuneCountInString(s) < n {
			return errors.New(msg)
		}
		return nil
	}
}

func maxLength(n int, msg string) check {
	return func(s string) error {
		if utf8.RuneCountInString(s) > n {
			return errors.New(msg)
		}
		return nil
	}
}

func oneOf(options []string, msg string) check {
	return func(s string) error {
		for _, o := range options {
			if s == o {
				return nil
			}
		}
		return errors.New(msg)
	}
}

func toString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}

func toBool(v interface{}) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "on", "1", "yes":
			return true, true
		case "false", "off", "0", "no", "":
			return false, true
		}
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return toBool(f)
		}
	case float64:
		if x == 1 {
			return true, true
		}
		if x == 0 {
			return false, true
		}
	}
	return false, false
}
