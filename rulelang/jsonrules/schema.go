package jsonrules

// documentSchema is the JSON Schema every ruleset source document must
// satisfy before compilation proceeds
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["rules"],
  "additionalProperties": false,
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "when"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "when": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "logic": {"type": "string", "enum": ["and", "or"]},
              "conditions": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["asset", "attribute", "operator"],
                  "additionalProperties": false,
                  "properties": {
                    "asset": {"type": "string", "minLength": 1},
                    "attribute": {"type": "string", "minLength": 1},
                    "operator": {
                      "type": "string",
                      "enum": ["eq", "ne", "lt", "lte", "gt", "gte",
                               "contains", "starts_with", "ends_with", "regex"]
                    },
                    "value": {},
                    "window": {"type": "string"},
                    "required": {"type": "boolean"}
                  }
                }
              }
            }
          },
          "then": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "attributeWrites": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["asset", "attribute"],
                  "additionalProperties": false,
                  "properties": {
                    "asset": {"type": "string", "minLength": 1},
                    "attribute": {"type": "string", "minLength": 1},
                    "value": {}
                  }
                }
              },
              "notifications": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["name"],
                  "additionalProperties": false,
                  "properties": {
                    "name": {"type": "string", "minLength": 1},
                    "payload": {"type": "object"}
                  }
                }
              }
            }
          },
          "geofence": {
            "type": "object",
            "required": ["id", "asset", "lat", "lng", "radius"],
            "additionalProperties": false,
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "asset": {"type": "string", "minLength": 1},
              "lat": {"type": "number"},
              "lng": {"type": "number"},
              "radius": {"type": "number", "exclusiveMinimum": 0},
              "notification": {"type": "object"}
            }
          }
        }
      }
    }
  }
}`
