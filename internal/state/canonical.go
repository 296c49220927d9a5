package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// DigestAlgorithm names the checksum scheme, versioned with the protocol.
// Digests are hex SHA-256 over the canonical JSON encoding of a tree:
// object keys sorted bytewise, numbers in Go's shortest float form.
const DigestAlgorithm = "sha256-canonical-json/1"

// CanonicalJSON encodes a normalized tree deterministically. encoding/json
// already sorts map[string]any keys, so the encoding is canonical as long as
// the tree passed Normalize.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Digest returns the canonical content hash of a tree.
func Digest(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
