package orchestrator

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Artifact payload schemas. A model response missing any required field
// is rejected as malformed; rejection is treated as a model failure.

const mealPlanSchema = `{
	"type": "object",
	"required": ["days", "totalCalories"],
	"properties": {
		"days": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["day", "meals"],
				"properties": {
					"day": {"type": "integer"},
					"meals": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["name", "slot", "calories", "ingredients"],
							"properties": {
								"name": {"type": "string"},
								"slot": {"type": "string"},
								"calories": {"type": "integer"},
								"ingredients": {"type": "array", "items": {"type": "string"}},
								"steps": {"type": "array", "items": {"type": "string"}}
							}
						}
					}
				}
			}
		},
		"totalCalories": {"type": "integer"},
		"proteinGrams": {"type": "integer"},
		"carbGrams": {"type": "integer"},
		"fatGrams": {"type": "integer"}
	}
}`

const insightSchema = `{
	"type": "object",
	"required": ["summary", "observations", "recommendations"],
	"properties": {
		"summary": {"type": "string"},
		"observations": {"type": "array", "items": {"type": "string"}},
		"recommendations": {"type": "array", "items": {"type": "string"}},
		"focusArea": {"type": "string"}
	}
}`

const recipeSchema = `{
	"type": "object",
	"required": ["title", "servings", "calories", "ingredients", "steps"],
	"properties": {
		"title": {"type": "string"},
		"servings": {"type": "integer"},
		"calories": {"type": "integer"},
		"proteinGrams": {"type": "integer"},
		"ingredients": {"type": "array", "minItems": 1, "items": {"type": "string"}},
		"steps": {"type": "array", "minItems": 1, "items": {"type": "string"}},
		"prepMinutes": {"type": "integer"}
	}
}`

const searchPageSchema = `{
	"type": "object",
	"required": ["query", "page", "total", "results"],
	"properties": {
		"query": {"type": "string"},
		"page": {"type": "integer"},
		"total": {"type": "integer"},
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "kind", "title", "url"],
				"properties": {
					"id": {"type": "string"},
					"kind": {"type": "string"},
					"title": {"type": "string"},
					"url": {"type": "string"}
				}
			}
		}
	}
}`

// compileSchema panics on an invalid schema literal; schemas are
// compile-time constants so a failure is a programming error.
func compileSchema(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid artifact schema: %v", err))
	}
	return schema
}

// validatePayload checks a payload document against its schema
func validatePayload(schema *gojsonschema.Schema, payload []byte) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("payload violates schema: %s", errs[0].String())
		}
		return fmt.Errorf("payload violates schema")
	}
	return nil
}
