// Package schema compiles a campaign's stored field definitions into a
// validator for submitted form payloads.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"applybox/internal/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// definitionsSchema describes a well-formed list of field definitions
const definitionsSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name", "type"],
		"properties": {
			"name": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_-]*$", "maxLength": 64},
			"label": {"type": "string"},
			"type": {"enum": ["text", "email", "tel", "number", "textarea", "select", "checkbox", "date"]},
			"required": {"type": "boolean"},
			"options": {"type": "array", "items": {"type": "string"}},
			"validation": {
				"type": "object",
				"properties": {
					"minLength": {"type": "integer", "minimum": 0},
					"maxLength": {"type": "integer", "minimum": 0},
					"pattern": {"type": "string"},
					"patternMessage": {"type": "string"}
				}
			}
		}
	}
}`

var definitionsMeta = js.MustCompileString("mem://applybox/form-definitions.json", definitionsSchema)

type Compiler struct {
	cache *expirable.LRU[string, *Validator]
}

// NewCompilerWithCache creates a compiler caching up to maxSize validators
func NewCompilerWithCache(maxSize int) *Compiler {
	return &Compiler{
		cache: expirable.NewLRU[string, *Validator](maxSize, nil, time.Hour),
	}
}

func (c *Compiler) key(defs []model.FieldDefinition) string {
	b, _ := json.Marshal(defs)
	return string(b)
}

// Prepare compiles and caches the validator for defs
func (c *Compiler) Prepare(ctx context.Context, defs []model.FieldDefinition) (*Validator, error) {
	key := c.key(defs)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err := Compile(defs)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, v)
	return v, nil
}

// Validate validates payload against defs, compiling them if needed
func (c *Compiler) Validate(ctx context.Context, defs []model.FieldDefinition, payload map[string]interface{}) (map[string]interface{}, FieldErrors, error) {
	v, err := c.Prepare(ctx, defs)
	if err != nil {
		return nil, nil, err
	}
	cleaned, fieldErrs := v.Validate(payload)
	return cleaned, fieldErrs, nil
}

// CheckDefinitions reports whether defs form a usable schema
func CheckDefinitions(defs []model.FieldDefinition) error {
	if defs == nil {
		defs = []model.FieldDefinition{}
	}
	raw, err := json.Marshal(defs)
	if err != nil {
		return fmt.Errorf("failed to marshal form schema: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal form schema: %w", err)
	}
	if err := definitionsMeta.Validate(doc); err != nil {
		return fmt.Errorf("invalid form schema: %w", err)
	}

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if seen[def.Name] {
			return fmt.Errorf("invalid form schema: duplicate field name %q", def.Name)
		}
		seen[def.Name] = true

		if def.Type == model.FieldSelect && len(def.Options) == 0 && def.Required {
			return fmt.Errorf("invalid form schema: required select field %q has no options", def.Name)
		}
		if val := def.Validation; val != nil {
			if val.MinLength != nil && val.MaxLength != nil && *val.MinLength > *val.MaxLength {
				return fmt.Errorf("invalid form schema: field %q has minLength > maxLength", def.Name)
			}
			if val.Pattern != "" {
				if _, err := regexp.Compile(val.Pattern); err != nil {
					return fmt.Errorf("invalid form schema: field %q has invalid pattern: %w", def.Name, err)
				}
			}
		}
	}
	return nil
}

// Compile builds a validator from defs. It has no side effects.
func Compile(defs []model.FieldDefinition) (*Validator, error) {
	if err := CheckDefinitions(defs); err != nil {
		return nil, err
	}

	v := &Validator{fields: make([]fieldRule, 0, len(defs))}
	for _, def := range defs {
		v.fields = append(v.fields, fieldRule{
			name: def.Name,
			rule: buildRule(def),
		})
	}
	return v, nil
}
