package schema

// Built-in schemas for the field-recording domain. Updates may carry a
// partial delta, so only identity fields are required; full snapshots and
// deltas validate against the same document.
var builtinSchemas = map[string]string{
	EntityFieldSession: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["id"],
		"additionalProperties": false,
		"properties": {
			"id":          {"type": "string", "minLength": 1},
			"title":       {"type": "string"},
			"location":    {"type": "string"},
			"latitude":    {"type": "number", "minimum": -90, "maximum": 90},
			"longitude":   {"type": "number", "minimum": -180, "maximum": 180},
			"started_at":  {"type": "string", "format": "date-time"},
			"ended_at":    {"type": ["string", "null"], "format": "date-time"},
			"weather":     {"type": "string"},
			"notes":       {"type": "string"},
			"deleted":     {"type": "boolean"}
		}
	}`,

	EntityFindLog: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["id"],
		"additionalProperties": false,
		"properties": {
			"id":               {"type": "string", "minLength": 1},
			"field_session_id": {"type": "string"},
			"found_at":         {"type": "string", "format": "date-time"},
			"category":         {"type": "string"},
			"material":         {"type": "string"},
			"depth_cm":         {"type": "number", "minimum": 0},
			"latitude":         {"type": "number", "minimum": -90, "maximum": 90},
			"longitude":        {"type": "number", "minimum": -180, "maximum": 180},
			"photo_keys":       {"type": "array", "items": {"type": "string"}},
			"notes":            {"type": "string"},
			"deleted":          {"type": "boolean"}
		}
	}`,

	EntityCaptureSession: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["id"],
		"additionalProperties": false,
		"properties": {
			"id":          {"type": "string", "minLength": 1},
			"field_session_id": {"type": "string"},
			"method":      {"type": "string", "enum": ["net", "trap", "hand", "light", "other"]},
			"started_at":  {"type": "string", "format": "date-time"},
			"ended_at":    {"type": ["string", "null"], "format": "date-time"},
			"habitat":     {"type": "string"},
			"notes":       {"type": "string"},
			"deleted":     {"type": "boolean"}
		}
	}`,

	EntitySpecimen: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["id"],
		"additionalProperties": false,
		"properties": {
			"id":                 {"type": "string", "minLength": 1},
			"capture_session_id": {"type": "string"},
			"taxon":              {"type": "string"},
			"common_name":        {"type": "string"},
			"count":              {"type": "integer", "minimum": 1},
			"life_stage":         {"type": "string", "enum": ["egg", "larva", "pupa", "juvenile", "adult", "unknown"]},
			"sex":                {"type": "string", "enum": ["male", "female", "unknown"]},
			"photo_keys":         {"type": "array", "items": {"type": "string"}},
			"released":           {"type": "boolean"},
			"notes":              {"type": "string"},
			"deleted":            {"type": "boolean"}
		}
	}`,
}
