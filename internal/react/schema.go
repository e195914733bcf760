package react

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// Output shapes the oracle must reply with.
const (
	reactSchemaJSON = `{
  "type": "object",
  "required": ["thought"],
  "properties": {
    "thought": {"type": "string"},
    "action": {"type": ["string", "null"]},
    "action_input": {"type": ["object", "null"]}
  }
}`

	thinkSchemaJSON = `{
  "type": "object",
  "required": ["thought", "action", "action_input"],
  "properties": {
    "thought": {"type": "string", "minLength": 1},
    "action": {"type": "string", "minLength": 1},
    "action_input": {"type": "object"}
  },
  "not": {"required": ["final_answer"]}
}`

	reflectSchemaJSON = `{
  "type": "object",
  "properties": {
    "thought": {"type": "string"},
    "final_answer": {"minLength": 1},
    "next_steps": {"minLength": 1, "minItems": 1},
    "action_correction": {"minLength": 1}
  },
  "oneOf": [
    {"required": ["thought", "final_answer"]},
    {"required": ["thought", "next_steps"]},
    {"required": ["thought", "action_correction"]}
  ]
}`
)

// shape is a compiled output schema with a name for error messages.
type shape struct {
	name   string
	schema *jsonschema.Schema
}

var (
	reactShape   = mustCompile("react", reactSchemaJSON)
	thinkShape   = mustCompile("think", thinkSchemaJSON)
	reflectShape = mustCompile("reflect", reflectSchemaJSON)
)

func mustCompile(name, src string) shape {
	schema, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("compiling %s schema: %v", name, err))
	}
	return shape{name: name, schema: schema}
}

// check validates fields against the shape.
func (s shape) check(fields map[string]any) error {
	if s.schema.Validate(fields).IsValid() {
		return nil
	}
	return fmt.Errorf("%w: reply does not match the %s shape (keys: %s)", ErrSchemaValidation, s.name, keyList(fields))
}
