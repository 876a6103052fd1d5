package passport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// CanonicalPayload returns the canonical JSON form of an operation payload: object
// keys sorted, strings NFC-normalized, numbers kept as written, no HTML escaping.
// An empty payload canonicalizes to "{}".
func CanonicalPayload(payload []byte) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return []byte("{}"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid payload: trailing data")
	}
	if v == nil {
		return []byte("{}"), nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order
	if err := enc.Encode(normalize(v)); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[norm.NFC.String(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	default:
		return v
	}
}

// PayloadHash returns the canonical payload and its hex sha256
func PayloadHash(payload []byte) (canonical []byte, hash string, err error) {
	canonical, err = CanonicalPayload(payload)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

// ChainHash folds the operation hashes of a unit in append order:
//
//	hash_0 = H(unitID)
//	hash_i = H(hash_{i-1} || opHash_i)
//	chain  = H(hash_n)
//
// Operation hashes are hex-encoded sha256 digests and are folded as raw bytes.
func ChainHash(unitID string, operationHashes []string) (string, error) {
	sum := sha256.Sum256([]byte(unitID))
	acc := sum[:]
	for i, h := range operationHashes {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != sha256.Size {
			return "", fmt.Errorf("operation %d: malformed hash %q", i+1, h)
		}
		next := sha256.Sum256(append(append(make([]byte, 0, 2*sha256.Size), acc...), raw...))
		acc = next[:]
	}
	sealed := sha256.Sum256(acc)
	return hex.EncodeToString(sealed[:]), nil
}

// ContentHash returns the hex sha256 of a rendered passport document
func ContentHash(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}
