package alerts

import (
	"crypto/sha256"
	"encoding/binary"
)

// DedupKey scopes an incident id to the feed path it was reported on
func DedupKey(path, id string) string {
	return path + "::" + id
}

// NotificationID derives a stable, non-negative 31-bit delivery id from a
// dedup key. Re-emitting the same key yields the same id, so the delivery
// layer replaces the earlier notification instead of adding a second one.
func NotificationID(dedupKey string) int32 {
	hash := sha256.Sum256([]byte(dedupKey))
	return int32(binary.BigEndian.Uint32(hash[:4]) & 0x7fffffff)
}
