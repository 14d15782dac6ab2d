// Package id generates opaque identifiers for webhook deliveries.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// New returns 32 hex characters of randomness. If the system source fails
// it falls back to a time-based id, which is unique enough to correlate a
// delivery in receiver logs.
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "t" + strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b[:])
}
