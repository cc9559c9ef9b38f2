package channels

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const routesSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "propertyNames": {"pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"},
  "additionalProperties": {
    "type": "object",
    "required": ["silent", "visible"],
    "properties": {
      "silent": {"$ref": "#/$defs/endpoint"},
      "visible": {"$ref": "#/$defs/endpoint"}
    },
    "additionalProperties": false
  },
  "$defs": {
    "endpoint": {
      "type": "object",
      "required": ["channel", "target"],
      "properties": {
        "channel": {"enum": ["gateway", "slack", "telegram", "bus"]},
        "target": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    }
  }
}`

var compileRoutesSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(routesSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal routes schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("routes.json", doc); err != nil {
		return nil, fmt.Errorf("add routes schema resource: %w", err)
	}
	return c.Compile("routes.json")
})

// ValidateSchema checks the route table's shape: agent id syntax, known
// channel kinds and non-empty targets.
func ValidateSchema(routes map[string]Route) error {
	schema, err := compileRoutesSchema()
	if err != nil {
		return err
	}
	if routes == nil {
		routes = map[string]Route{}
	}
	raw, err := json.Marshal(routes)
	if err != nil {
		return fmt.Errorf("encode routes: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("decode routes: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	return nil
}
