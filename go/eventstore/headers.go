package eventstore

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// MergeHeaders applies incoming as an RFC 7386 JSON merge patch over base
// and returns the result as a new map; base and incoming are both treated
// as opaque JSON documents. A key present in incoming with a JSON null
// value deletes that key from the result, which is the precise meaning
// spec §4.2 leaves informal as "last write wins per key" for non-scalar
// header values.
//
// Either argument may be nil, in which case it's treated as an empty
// object.
func MergeHeaders(base, incoming map[string]interface{}) (map[string]interface{}, error) {
	if len(incoming) == 0 {
		return cloneHeaders(base), nil
	}

	baseDoc, err := json.Marshal(nonNilHeaders(base))
	if err != nil {
		return nil, err
	}
	patchDoc, err := json.Marshal(incoming)
	if err != nil {
		return nil, err
	}

	merged, err := jsonpatch.MergePatch(baseDoc, patchDoc)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNilHeaders(h map[string]interface{}) map[string]interface{} {
	if h == nil {
		return map[string]interface{}{}
	}
	return h
}

func cloneHeaders(h map[string]interface{}) map[string]interface{} {
	if h == nil {
		return map[string]interface{}{}
	}
	var out = make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
