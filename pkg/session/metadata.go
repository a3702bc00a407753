package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// MetadataSchema is the JSON Schema session metadata must satisfy.
// Metadata is deliberately open-ended (custom options pass through),
// but the fields the host itself reads are typed here.
const MetadataSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "workspace_path": {
      "type": "string",
      "minLength": 1,
      "description": "Absolute path of the workspace the session runs in"
    },
    "command": {
      "type": "string",
      "description": "Command line the producer launched"
    },
    "cols": {
      "type": "integer",
      "minimum": 1
    },
    "rows": {
      "type": "integer",
      "minimum": 1
    },
    "options": {
      "type": "object",
      "description": "Free-form producer options"
    }
  },
  "additionalProperties": true
}`

var metadataSchemaLoader = gojsonschema.NewStringLoader(MetadataSchema)

// ValidateMetadata checks metadata against the schema. A nil map is valid.
func ValidateMetadata(metadata map[string]interface{}) error {
	if metadata == nil {
		return nil
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	result, err := gojsonschema.Validate(metadataSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate metadata: %w", err)
	}

	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid metadata: %s", strings.Join(msgs, "; "))
	}

	return nil
}

// mergeMetadata overlays patch onto base without mutating either.
// Top-level keys are replaced; a nil patch value deletes the key.
func mergeMetadata(base, patch map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}
