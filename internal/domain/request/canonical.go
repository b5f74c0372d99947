package request

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalJSON serializes v into RFC 8785 canonical form: sorted keys,
// minimal separators, no insignificant whitespace. Structurally equal
// values always produce byte-identical output.
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal arguments: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize arguments: %w", err)
	}
	return string(canonical), nil
}

// HashJSON returns the SHA-256 hex digest of a canonical JSON string.
func HashJSON(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// CanonicalizeArguments is the common pair: canonical form plus its hash.
func CanonicalizeArguments(args map[string]any) (jsonText, hash string, err error) {
	if args == nil {
		args = map[string]any{}
	}
	jsonText, err = CanonicalJSON(args)
	if err != nil {
		return "", "", err
	}
	return jsonText, HashJSON(jsonText), nil
}
