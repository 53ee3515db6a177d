package journal

// ============================================================================
// Checksums
// Responsibility: compute and verify the CRC32 of journal events
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum returns the CRC32-IEEE of the event's JSON encoding with
// the checksum field zeroed, so every recorded field is covered.
func CalculateChecksum(event Event) uint32 {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		// Event only holds plain values; Marshal cannot fail on it.
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum reports whether the stored checksum matches the content.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
