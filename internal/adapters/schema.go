package adapters

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// SCHEMA SANITIZER - JSON Schema to the backend's restricted dialect
// =============================================================================

// schemaAllowed are the only keys the backend accepts.
var schemaAllowed = map[string]bool{
	"type":        true,
	"properties":  true,
	"required":    true,
	"description": true,
	"enum":        true,
	"items":       true,
}

// schemaDenied are keys known to be rejected upstream.
var schemaDenied = map[string]bool{
	"$schema": true, "$id": true, "$ref": true, "$defs": true, "definitions": true, "$comment": true,
	"format": true, "default": true, "examples": true, "example": true, "title": true,
	"anyOf": true, "oneOf": true, "allOf": true, "not": true,
	"if": true, "then": true, "else": true, "dependentRequired": true, "dependentSchemas": true,
	"additionalProperties": true, "patternProperties": true, "propertyNames": true,
	"unevaluatedProperties": true, "unevaluatedItems": true,
	"minimum": true, "maximum": true, "exclusiveMinimum": true, "exclusiveMaximum": true, "multipleOf": true,
	"minLength": true, "maxLength": true, "pattern": true,
	"minItems": true, "maxItems": true, "uniqueItems": true, "contains": true, "prefixItems": true,
	"minProperties": true, "maxProperties": true,
	"const": true, "nullable": true, "readOnly": true, "writeOnly": true, "deprecated": true,
	"contentEncoding": true, "contentMediaType": true,
}

// SanitizeSchema rewrites an arbitrary JSON Schema into the allowed subset.
// It is pure and idempotent.
func SanitizeSchema(schema map[string]any) map[string]any {
	out := make(map[string]any)

	for key, value := range schema {
		if schemaDenied[key] || !schemaAllowed[key] {
			continue
		}
		switch key {
		case "type":
			if t := collapseType(value); t != "" {
				out["type"] = t
			}
		case "description":
			if s, ok := value.(string); ok {
				out["description"] = s
			}
		case "properties":
			props, ok := value.(map[string]any)
			if !ok {
				continue
			}
			clean := make(map[string]any, len(props))
			for name, prop := range props {
				if m, ok := prop.(map[string]any); ok {
					clean[name] = SanitizeSchema(m)
				}
			}
			out["properties"] = clean
		case "items":
			switch it := value.(type) {
			case map[string]any:
				out["items"] = SanitizeSchema(it)
			case []any:
				for _, candidate := range it {
					if m, ok := candidate.(map[string]any); ok {
						out["items"] = SanitizeSchema(m)
						break
					}
				}
			}
		case "enum":
			if values := coerceEnum(value); len(values) > 0 {
				out["enum"] = values
			}
		}
	}

	// required depends on the sanitized properties, so it runs last.
	if req := filterRequired(schema["required"], out["properties"]); len(req) > 0 {
		out["required"] = req
	}

	if _, ok := out["type"]; !ok {
		out["type"] = inferType(out)
	}
	if out["type"] == "object" {
		if _, ok := out["properties"]; !ok {
			out["properties"] = map[string]any{}
		}
	}
	return out
}

// collapseType lower-cases a type, taking the first non-null entry of a type array.
func collapseType(value any) string {
	switch t := value.(type) {
	case string:
		if lt := strings.ToLower(t); lt != "null" {
			return lt
		}
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && strings.ToLower(s) != "null" {
				return strings.ToLower(s)
			}
		}
	case []string:
		for _, s := range t {
			if strings.ToLower(s) != "null" {
				return strings.ToLower(s)
			}
		}
	}
	return ""
}

func coerceEnum(value any) []any {
	var in []any
	switch v := value.(type) {
	case []any:
		in = v
	case []string:
		for _, s := range v {
			in = append(in, s)
		}
	default:
		return nil
	}

	out := make([]any, 0, len(in))
	for _, v := range in {
		switch e := v.(type) {
		case nil:
		case string:
			out = append(out, e)
		case bool:
			out = append(out, strconv.FormatBool(e))
		case float64:
			out = append(out, strconv.FormatFloat(e, 'f', -1, 64))
		case int:
			out = append(out, strconv.Itoa(e))
		case json.Number:
			out = append(out, e.String())
		default:
			if data, err := json.Marshal(e); err == nil {
				out = append(out, string(data))
			}
		}
	}
	return out
}

func filterRequired(value any, props any) []any {
	properties, _ := props.(map[string]any)
	if len(properties) == 0 {
		return nil
	}

	var names []string
	switch r := value.(type) {
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
	case []string:
		names = r
	}

	var out []any
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := properties[name]; ok && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func inferType(sanitized map[string]any) string {
	if _, ok := sanitized["items"]; ok {
		return "array"
	}
	if _, ok := sanitized["properties"]; ok {
		return "object"
	}
	if _, ok := sanitized["required"]; ok {
		return "object"
	}
	if _, ok := sanitized["enum"]; ok {
		return "string"
	}
	return "object"
}

// =============================================================================
// DESCRIPTION COMPACTION
// =============================================================================

const (
	maxToolDescriptionChars   = 400
	maxSchemaDescriptionChars = 200
	maxToolDescriptionLines   = 6
	truncationSuffix          = "\n... [truncated]"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// compactToolDescription keeps the first lines of a tool description, flattened.
func compactToolDescription(desc string) string {
	lines := strings.Split(desc, "\n")
	if len(lines) > maxToolDescriptionLines {
		lines = lines[:maxToolDescriptionLines]
	}
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return truncateRunes(strings.Join(kept, " "), maxToolDescriptionChars)
}

// compactSchemaDescriptions shortens description fields through properties and items.
func compactSchemaDescriptions(schema map[string]any) {
	if desc, ok := schema["description"].(string); ok {
		schema["description"] = truncateRunes(strings.TrimSpace(whitespaceRun.ReplaceAllString(desc, " ")), maxSchemaDescriptionChars)
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, p := range props {
			if m, ok := p.(map[string]any); ok {
				compactSchemaDescriptions(m)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		compactSchemaDescriptions(items)
	}
}

// truncateRunes cuts s to max characters and appends the truncation marker.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + truncationSuffix
}
