package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ArtifactHashField is the body field that carries the artifact's own
// content hash. It is stripped before hashing and re-embedded afterwards,
// so the hash is a pure function of the remaining body.
const ArtifactHashField = "artifactHash"

// ComputeArtifactHash returns the SHA-256 hex digest of the canonical JSON
// of body with the artifactHash field removed. body may be a struct, a map,
// or raw JSON bytes.
func ComputeArtifactHash(body interface{}) (string, error) {
	m, err := toMap(body)
	if err != nil {
		return "", err
	}
	delete(m, ArtifactHashField)
	return CanonicalHash(m)
}

// EmbedArtifactHash computes the artifact hash of body and returns the
// canonical bytes with the hash re-embedded, plus the hash itself.
// The persisted artifact form always includes its own hash.
func EmbedArtifactHash(body interface{}) ([]byte, string, error) {
	m, err := toMap(body)
	if err != nil {
		return nil, "", err
	}
	delete(m, ArtifactHashField)
	hash, err := CanonicalHash(m)
	if err != nil {
		return nil, "", err
	}
	m[ArtifactHashField] = hash
	canonical, err := JCS(m)
	if err != nil {
		return nil, "", err
	}
	return canonical, hash, nil
}

func toMap(body interface{}) (map[string]interface{}, error) {
	var raw []byte
	switch b := body.(type) {
	case []byte:
		raw = b
	case json.RawMessage:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("artifact body marshal failed: %w", err)
		}
	}
	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("artifact body must be a JSON object: %w", err)
	}
	return m, nil
}
