package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaJSON is the schema every JSON configuration must satisfy before it
// is decoded. XML documents get equivalent checks from Document.validate.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "message-bus": {
      "type": "object",
      "properties": {
        "pub-endpoint": {"type": "string"},
        "pull-endpoint": {"type": "string"}
      },
      "additionalProperties": false
    },
    "dnp3": {"type": "array", "items": {"$ref": "#/$defs/device"}},
    "modbus": {"type": "array", "items": {"$ref": "#/$defs/device"}},
    "s7comm": {"type": "array", "items": {"$ref": "#/$defs/device"}},
    "iec61850": {"type": "array", "items": {"$ref": "#/$defs/device"}}
  },
  "$defs": {
    "device": {
      "type": "object",
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "mode": {"enum": ["client", "server"]}
      },
      "required": ["name", "mode"]
    }
  }
}`

var configSchema = jsonschema.MustCompileString("otsim-config.schema.json", schemaJSON)

func validateSchema(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing JSON config: %w", err)
	}

	if err := configSchema.Validate(doc); err != nil {
		return fmt.Errorf("config schema violation: %w", err)
	}

	return nil
}
