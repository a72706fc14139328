package wirebus

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// hashEndpoints computes the descriptor hash: SHA-256 over the canonical
// JSON form of the endpoint list. Endpoints sort by name, object keys
// sort recursively, and the autoNotify default is materialized, so two
// descriptors that mean the same thing hash the same bytes.
func hashEndpoints(endpoints []Endpoint) (string, error) {
	list := make([]any, 0, len(endpoints))
	sorted := append([]Endpoint(nil), endpoints...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, ep := range sorted {
		entry := map[string]any{
			"name": ep.Name,
			"kind": string(ep.Kind),
		}
		for field, raw := range map[string]json.RawMessage{
			"input":   ep.Input,
			"output":  ep.Output,
			"message": ep.Message,
			"object":  ep.Object,
		} {
			if len(raw) == 0 {
				continue
			}
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return "", fmt.Errorf("endpoint %q: invalid %s schema: %w", ep.Name, field, err)
			}
			entry[field] = decoded
		}
		if ep.Kind == KindSharedObject {
			entry["autoNotify"] = ep.AutoNotifyEnabled()
		}
		list = append(list, entry)
	}

	var buf bytes.Buffer
	if err := canonicalJSON(&buf, list); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON writes v with object keys in sorted order at every
// level. Only JSON-decoded shapes are supported.
func canonicalJSON(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := canonicalJSON(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalJSON(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(raw)
		return nil
	}
}
