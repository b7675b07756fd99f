// SPDX-License-Identifier: MIT

// Package license implements the expire-key scheme gating the daemon.
//
// A key is the hex encoding of an 8-byte big-endian expiry timestamp in
// milliseconds followed by the first 8 bytes of HMAC-SHA256 over those bytes,
// keyed with the project name. Keys are scoped: a key minted for one project
// does not decode for another.
package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

const (
	expiryLen = 8
	macLen    = 8
	keyLen    = expiryLen + macLen
)

func mac(project string, expiry []byte) []byte {
	h := hmac.New(sha256.New, []byte(project))
	h.Write(expiry)
	return h.Sum(nil)[:macLen]
}

// Decode extracts the expiry timestamp from key. The boolean reports whether
// the key is authentic for the given project; the expiry itself may still lie
// in the past.
func Decode(project, key string) (time.Time, bool) {
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != keyLen {
		return time.Time{}, false
	}
	expiry := raw[:expiryLen]
	if !hmac.Equal(raw[expiryLen:], mac(project, expiry)) {
		return time.Time{}, false
	}
	ms := int64(binary.BigEndian.Uint64(expiry)) // #nosec G115
	return time.UnixMilli(ms).UTC(), true
}

// Generate mints a key for project expiring at the given time.
func Generate(project string, expiry time.Time) string {
	raw := make([]byte, expiryLen, keyLen)
	binary.BigEndian.PutUint64(raw, uint64(expiry.UnixMilli())) // #nosec G115
	raw = append(raw, mac(project, raw[:expiryLen])...)
	return hex.EncodeToString(raw)
}
