package providers

import (
	"log/slog"
	"strings"
)

// geminiUnsupportedKeywords are JSON Schema keywords the Gemini function
// declaration parser rejects. They are deleted after the structural
// rewrites below have had a chance to preserve their intent.
var geminiUnsupportedKeywords = []string{
	"$schema", "$id", "examples", "default",
	"minLength", "maxLength", "pattern",
	"minimum", "maximum", "multipleOf",
	"minItems", "maxItems", "uniqueItems",
	"minProperties", "maxProperties", "patternProperties",
	"if", "then", "else", "not", "oneOf", "anyOf",
}

// IsGeminiModel reports whether a model reference targets a Gemini model.
func IsGeminiModel(modelRef string) bool {
	return strings.Contains(strings.ToLower(modelRef), "gemini")
}

// SanitizeSchemaForGemini rewrites a JSON Schema into the subset Gemini
// accepts. The input is deep-cloned; the original is never mutated.
//
// Rewrites, in order per node: an anyOf made entirely of {const: "..."}
// literals collapses to {type: "string", enum: [...]}; patternProperties
// with a single catch-all pattern becomes additionalProperties; remaining
// unsupported keywords are deleted. Recurses into properties, items and
// additionalProperties.
func SanitizeSchemaForGemini(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	clone := cloneMap(schema)
	sanitizeSchemaNode(clone)
	return clone
}

// SanitizeToolsForGemini returns a copy of tools with every parameter
// schema passed through the Gemini sanitizer.
func SanitizeToolsForGemini(tools []ToolDefinition) []ToolDefinition {
	if len(tools) == 0 {
		return tools
	}
	out := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = t
		out[i].Function.Parameters = SanitizeSchemaForGemini(t.Function.Parameters)
	}
	return out
}

func sanitizeSchemaNode(node map[string]interface{}) {
	collapseAnyOf(node)
	rewritePatternProperties(node)

	for _, k := range geminiUnsupportedKeywords {
		delete(node, k)
	}

	if props, ok := node["properties"].(map[string]interface{}); ok {
		for _, v := range props {
			if child, ok := v.(map[string]interface{}); ok {
				sanitizeSchemaNode(child)
			}
		}
	}
	if items, ok := node["items"].(map[string]interface{}); ok {
		sanitizeSchemaNode(items)
	}
	if ap, ok := node["additionalProperties"].(map[string]interface{}); ok {
		sanitizeSchemaNode(ap)
	}
}

// collapseAnyOf turns an anyOf of const literals into a string enum. Any
// other anyOf shape is dropped since Gemini rejects the keyword outright.
func collapseAnyOf(node map[string]interface{}) {
	raw, ok := node["anyOf"].([]interface{})
	if !ok {
		return
	}

	literals := make([]interface{}, 0, len(raw))
	for _, item := range raw {
		variant, ok := item.(map[string]interface{})
		if !ok {
			literals = nil
			break
		}
		c, ok := variant["const"].(string)
		if !ok {
			literals = nil
			break
		}
		literals = append(literals, c)
	}

	delete(node, "anyOf")
	if len(literals) > 0 {
		node["type"] = "string"
		node["enum"] = literals
		return
	}
	slog.Warn("tool schema: dropping anyOf unsupported by gemini")
}

// rewritePatternProperties keeps a catch-all pattern by renaming it to
// additionalProperties. Multiple patterns cannot be represented and are
// stripped by the keyword pass.
func rewritePatternProperties(node map[string]interface{}) {
	pp, ok := node["patternProperties"].(map[string]interface{})
	if !ok || len(pp) != 1 {
		return
	}
	for pattern, schema := range pp {
		if pattern != "^.*$" && pattern != "^(.*)$" {
			return
		}
		if _, exists := node["additionalProperties"]; !exists {
			node["additionalProperties"] = schema
		}
		delete(node, "patternProperties")
	}
}

// CleanSchemaForProvider prepares a tool parameter schema for a provider.
// Gemini-family targets get the full sanitizer; everything else only loses
// the schema-reference keys that some APIs reject.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	if IsGeminiModel(provider) {
		return SanitizeSchemaForGemini(schema)
	}
	clone := cloneMap(schema)
	delete(clone, "$schema")
	delete(clone, "$id")
	return clone
}

// CleanToolSchemas converts tool definitions to the OpenAI wire shape,
// cleaning each parameter schema for the target provider.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		typ := t.Type
		if typ == "" {
			typ = "function"
		}
		out = append(out, map[string]interface{}{
			"type": typ,
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}
