package chunk

import (
	"encoding/json"
	"fmt"
)

// MergeError reports an inconsistent chunk set handed to a merge: a missing
// chunk result or a result that does not decode as an object.
type MergeError struct {
	Stage  string
	Reason string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("chunk merge (%s): %s", e.Stage, e.Reason)
}

// MergeStructured combines per-chunk JSON objects into one document-level
// object under the key-union rule:
//
//   - scalar fields take the first non-empty chunk's value
//   - arrays concatenate across chunks in chunk order
//   - nested objects merge recursively under the same rule
//
// The input slice is indexed by chunk order. A nil entry means a chunk
// produced no result, which is an inconsistent set and fails the merge.
func MergeStructured(stage string, parts []json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]any)
	for i, raw := range parts {
		if raw == nil {
			return nil, &MergeError{Stage: stage, Reason: fmt.Sprintf("chunk %d has no result", i)}
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, &MergeError{Stage: stage, Reason: fmt.Sprintf("chunk %d is not a JSON object: %v", i, err)}
		}
		mergeObject(merged, obj)
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, &MergeError{Stage: stage, Reason: fmt.Sprintf("re-encode merged object: %v", err)}
	}
	return out, nil
}

// mergeObject folds src into dst in place. dst holds values from
// lower-ordered chunks, so existing scalars win and arrays grow at the end.
func mergeObject(dst, src map[string]any) {
	for k, sv := range src {
		dv, exists := dst[k]
		if !exists {
			dst[k] = sv
			continue
		}

		switch dvt := dv.(type) {
		case []any:
			if svt, ok := sv.([]any); ok {
				dst[k] = append(dvt, svt...)
			}
			// Mismatched kinds keep the earlier chunk's value.
		case map[string]any:
			if svt, ok := sv.(map[string]any); ok {
				mergeObject(dvt, svt)
			}
		default:
			// Scalar: first non-empty chunk wins. An earlier empty value
			// is replaced by a later non-empty one.
			if isEmptyScalar(dv) && !isEmptyScalar(sv) {
				dst[k] = sv
			}
		}
	}
}

func isEmptyScalar(v any) bool {
	switch vt := v.(type) {
	case nil:
		return true
	case string:
		return vt == ""
	default:
		return false
	}
}
