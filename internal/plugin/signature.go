package plugin

import (
	"encoding/json"
	"hash/fnv"
)

type signaturePayload struct {
	Type     string         `json:"type"`
	Settings map[string]any `json:"settings"`
	Params   map[string]any `json:"params"`
}

// signatureOf hashes the content identity of a declaration: plugin type plus
// merged settings and params. Identity and status never participate, so
// re-registering the same configuration collapses onto the existing entry.
// json.Marshal sorts map keys, which makes the encoding canonical.
func signatureOf(typ string, settings, params map[string]any) uint64 {
	b, err := json.Marshal(signaturePayload{Type: typ, Settings: settings, Params: params})
	if err != nil {
		// Settings maps come out of the schema pass and are always
		// marshalable; fall back to the type name just in case.
		return hashBytes([]byte(typ))
	}
	return hashBytes(b)
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
