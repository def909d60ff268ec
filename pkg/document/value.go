// Package document implements the deep-merge semantics a WRITE uses to
// compute its after-image from a caller-supplied patch (spec §4.4), over a
// recursive JSON value representation rather than ad hoc interface{} type
// switches (spec §9).
package document

import "encoding/json"

// Value is the top level a document or a patch can take: the decoded form
// of a JSON value. Objects preserve neither key order nor duplicate keys;
// Go's encoding/json already collapses both when decoding into map[string]any,
// which is what Merge relies on.
type Value = any

// Object asserts v is a JSON object, returning it as a map and true, or
// (nil, false) for anything else (including JSON null, arrays, and
// scalars).
func Object(v Value) (map[string]Value, bool) {
	m, ok := v.(map[string]Value)
	return m, ok
}

// Decode parses raw JSON bytes into a Value. Empty input decodes to nil
// (the document-absent state), matching spec §4.5's "parsed JSON, or null
// if the file is absent or empty".
func Decode(raw []byte) (Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode renders v as pretty-printed JSON, the on-disk format for every
// <key>.json file (spec §3).
func Encode(v Value) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
