package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// keySeparator keeps type and business key segments from colliding when
// concatenated.
const keySeparator = "\x1f"

// ComputeKey derives the deterministic hash key for an entity from its type
// and normalized business key. SHA-256 is assumed collision-free for this
// keyspace; no detection strategy exists.
func ComputeKey(entityType, businessKey string) string {
	sum := sha256.Sum256([]byte(entityType + keySeparator + NormalizeBusinessKey(businessKey)))
	return hex.EncodeToString(sum[:])
}

// LinkKey derives the deterministic key of a link from its kind and
// participant keys, in order.
func LinkKey(kind string, entityKeys ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, k := range entityKeys {
		h.Write([]byte(keySeparator))
		h.Write([]byte(k))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeBusinessKey canonicalizes a natural identifier before hashing.
func NormalizeBusinessKey(businessKey string) string {
	return strings.ToLower(strings.TrimSpace(businessKey))
}

// ContentHash produces the canonical hash of an attribute group. Map keys
// are sorted by encoding/json, so logically equal attribute sets hash
// identically.
func ContentHash(attrs Attributes) (string, error) {
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeAttributes round-trips an attribute group through JSON so that
// values are reduced to plain JSON types regardless of how the caller built
// the map. Content hashes are computed over the normalized form.
func NormalizeAttributes(attrs Attributes) (Attributes, error) {
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	var out Attributes
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = Attributes{}
	}
	return out, nil
}
