package algorithm

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Domain prefixes keep record fingerprints and the tombstone sentinel from
// ever colliding with each other.
const (
	domainRecord    = "contextfs/record/v1"
	domainTombstone = "contextfs/tombstone/v1"
)

// TombstoneHash is the fingerprint every deleted record carries
var TombstoneHash = hashWithDomain(domainTombstone, nil)

// hashWithDomain computes SHA256(domain + 0x00 + data) as lowercase hex
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentFingerprint hashes the canonical form of a record's payload and
// tags. Object keys are sorted, tags are treated as a set, and insignificant
// whitespace in the payload is ignored.
func ContentFingerprint(payload json.RawMessage, tags []string) (string, error) {
	canonical, err := canonicalize(payload, tags)
	if err != nil {
		return "", err
	}
	return hashWithDomain(domainRecord, canonical), nil
}

func canonicalize(payload json.RawMessage, tags []string) ([]byte, error) {
	var body interface{}
	if len(bytes.TrimSpace(payload)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			return nil, fmt.Errorf("payload is not valid JSON: %w", err)
		}
	}

	sortedTags := append([]string{}, tags...)
	sort.Strings(sortedTags)

	// encoding/json emits map keys in sorted order at every depth
	canonical, err := json.Marshal(map[string]interface{}{
		"payload": body,
		"tags":    sortedTags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical payload: %w", err)
	}
	return canonical, nil
}
