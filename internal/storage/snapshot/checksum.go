package snapshot

import "hash/crc32"

// crc32Of computes the CRC32-IEEE checksum of the serialized record map, the
// same checksum scheme internal/storage/wal uses for its frames.
func crc32Of(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}
