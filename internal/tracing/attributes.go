package tracing

import "strings"

// Attribute conventions. Dotted keys represent JSON paths; keys under the
// internal prefix are hidden from span detail reads.
const (
	// internalAttributePrefix marks properties that are repository-internal
	// and must not surface through GetSpan.
	internalAttributePrefix = "$."

	// ProjectDirAttribute holds the project directory used to rewrite
	// absolute paths out of recorded stack traces.
	ProjectDirAttribute = "$.projectDir"
)

// FlattenAttributes converts a nested JSON-like document into dotted
// path/value pairs, so properties can be columnar-indexed at the storage
// boundary. Arrays are treated as leaf values.
//
//	{"user": {"id": 7}} -> {"user.id": 7}
func FlattenAttributes(doc map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{}, len(doc))
	flattenInto(flat, "", doc)

	return flat
}

func flattenInto(flat map[string]interface{}, prefix string, doc map[string]interface{}) {
	for key, value := range doc {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if nested, ok := value.(map[string]interface{}); ok && len(nested) > 0 {
			flattenInto(flat, path, nested)

			continue
		}

		flat[path] = value
	}
}

// UnflattenAttributes is the inverse of FlattenAttributes: dotted paths become
// nested objects. A scalar colliding with an existing object at the same path
// is dropped in favor of the object.
func UnflattenAttributes(flat map[string]interface{}) map[string]interface{} {
	doc := make(map[string]interface{})

	for path, value := range flat {
		parts := strings.Split(path, ".")
		cursor := doc

		for i, part := range parts {
			if i == len(parts)-1 {
				if _, taken := cursor[part].(map[string]interface{}); !taken {
					cursor[part] = value
				}

				break
			}

			next, ok := cursor[part].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				cursor[part] = next
			}

			cursor = next
		}
	}

	return doc
}

// VisibleProperties filters out repository-internal attributes.
func VisibleProperties(properties map[string]interface{}) map[string]interface{} {
	if properties == nil {
		return nil
	}

	visible := make(map[string]interface{}, len(properties))

	for key, value := range properties {
		if strings.HasPrefix(key, internalAttributePrefix) {
			continue
		}

		visible[key] = value
	}

	return visible
}

// RewriteStackTrace strips the project directory from every path in a
// recorded stack trace, so traces read the same across machines.
func RewriteStackTrace(stack, projectDir string) string {
	if stack == "" || projectDir == "" {
		return stack
	}

	trimmed := strings.TrimSuffix(projectDir, "/")

	return strings.ReplaceAll(stack, trimmed+"/", "")
}
