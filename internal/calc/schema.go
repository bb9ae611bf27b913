package calc

// ConfigSchemas holds the JSON schema each kind's config must satisfy before
// it is decoded. Function and comparator values are left to the typed parsers
// so they surface as ErrUnsupportedFunction and ErrInvalidComparator.
var ConfigSchemas = map[Kind]string{
	KindExpression: `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "expression config",
  "type": "object",
  "additionalProperties": false,
  "required": ["formula", "variables"],
  "properties": {
    "formula": {"type": "string", "minLength": 1},
    "variables": {
      "type": "object",
      "additionalProperties": {
        "oneOf": [
          {"type": "string", "minLength": 1},
          {
            "type": "object",
            "required": ["type"],
            "properties": {
              "type": {"type": "string"},
              "tag": {"type": "string"},
              "value": {"type": "number"}
            }
          }
        ]
      }
    },
    "constants": {
      "type": "object",
      "additionalProperties": {"type": "number"}
    }
  }
}`,
	KindStatistical: `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "statistical config",
  "type": "object",
  "additionalProperties": false,
  "required": ["function", "window", "input_tags"],
  "properties": {
    "function": {"type": "string"},
    "window": {"type": ["string", "number"]},
    "input_tags": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    }
  }
}`,
	KindConditional: `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "conditional config",
  "type": "object",
  "additionalProperties": false,
  "required": ["input_tag", "conditions", "default_result"],
  "properties": {
    "input_tag": {"type": "string", "minLength": 1},
    "conditions": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["operator", "threshold", "result"],
        "properties": {
          "operator": {"type": "string"},
          "threshold": {"type": "number"},
          "result": {"type": "integer"},
          "label": {"type": "string"}
        }
      }
    },
    "default_result": {"type": "integer"},
    "default_label": {"type": "string"}
  }
}`,
}
