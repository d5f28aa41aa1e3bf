package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Length of the hex ids handed to the broker as client_order_id.
const Length = 32

// ClientOrderID computes a deterministic identifier from the given fields.
// Formula: SHA256(f1|f2|...|fn), hex-encoded and truncated to Length.
func ClientOrderID(fields ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(hash[:])[:Length]
}
