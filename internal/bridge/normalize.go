package bridge

import (
	"bytes"
	"fmt"

	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
)

// decodeNormalized decodes raw and rewrites every document-store "_id" into "id".
// Numbers are kept as json.Number so large ids survive the round trip.
func decodeNormalized(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeIDs(v), nil
}

func normalizeIDs(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = normalizeIDs(child)
		}
		if raw, ok := t["_id"]; ok {
			t["id"] = idString(raw)
			delete(t, "_id")
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = normalizeIDs(child)
		}
		return t
	default:
		return v
	}
}

// idString flattens the shapes an ObjectId takes on the wire: a plain string or
// extended JSON {"$oid": "..."}.
func idString(v any) any {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case map[string]any:
		if oid, ok := t["$oid"].(string); ok {
			return oid
		}
		if oid, ok := t["id"]; ok {
			return idString(oid)
		}
		return t
	case nil:
		return nil
	default:
		return fmt.Sprint(t)
	}
}
