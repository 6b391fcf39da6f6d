// Package fingerprint implements §9's "resource fingerprint of a task
// argument set": a canonical serialization (sorted map keys, stable
// numeric encoding) before hashing, used for cache keys. TASK_STARTED
// events carry the task's raw arguments; no argument digest is written
// into events.
//
// go-faster/jx was considered for the encode step but its API targets
// streaming, zero-allocation token writing, not map-key-sorted
// canonicalization — using it would still require the same
// sort-then-encode pass this file does by hand, so stdlib encoding/json
// plus an explicit canonicalization walk is what's actually used here.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize returns a deterministic JSON encoding of v: object keys
// sorted, no insignificant whitespace. It round-trips v through
// encoding/json first so arbitrary Go values (structs, slices, maps)
// normalize to the same shape a workflow would have serialized.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("fingerprint: unmarshal: %w", err)
	}
	return canonicalEncode(generic)
}

func canonicalEncode(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// Hash returns a hex-encoded SHA-256 digest of v's canonical encoding.
func Hash(v interface{}) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// CacheKey computes the cache fingerprint of §3: a stable fingerprint of
// (workflow_name, scope_path, argument_hash).
func CacheKey(workflowName, scopePath string, args interface{}) (string, error) {
	argHash, err := Hash(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(workflowName + "\x00" + scopePath + "\x00" + argHash))
	return hex.EncodeToString(sum[:]), nil
}
