// internal/cid/cid.go

// Package cid derives deterministic content identifiers for archived
// records: a CIDv1 with the raw codec over a sha2-256 multihash, encoded
// as lowercase base32 with the multibase 'b' prefix.
package cid

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	codeSHA256  = 0x12
	lenSHA256   = 0x20
	cidVersion1 = 0x01
	codecRaw    = 0x55
	multibase32 = "b"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Sum computes the CIDv1 of a raw byte payload.
func Sum(content []byte) string {
	digest := sha256.Sum256(content)

	buf := make([]byte, 0, 4+len(digest))
	buf = append(buf, cidVersion1, codecRaw, codeSHA256, lenSHA256)
	buf = append(buf, digest[:]...)

	return multibase32 + strings.ToLower(encoding.EncodeToString(buf))
}

// Derive canonicalizes a record and returns its content identifier. The
// canonical form is JSON with lexicographically sorted keys and no
// insignificant whitespace, so the identifier is a pure function of the
// record's semantic fields.
func Derive(record any) (string, error) {
	canon, err := Canonicalize(record)
	if err != nil {
		return "", err
	}
	return Sum(canon), nil
}

// Canonicalize returns the canonical byte serialization of a record.
func Canonicalize(record any) ([]byte, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}

	// Round-trip through an untyped value: encoding/json emits object
	// keys in sorted order for maps, which fixes the key order regardless
	// of struct field order at the call site.
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}
	return canon, nil
}

// Verify reports whether a record still matches a previously derived
// identifier. This is the round-trip proof that retrieved content equals
// what was originally observed.
func Verify(record any, address string) (bool, error) {
	derived, err := Derive(record)
	if err != nil {
		return false, err
	}
	return derived == address, nil
}
