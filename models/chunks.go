package models

import "time"

// ChunkRecord is one accepted chunk, keyed (upload_id, index). A record is
// write-once: the first reservation wins, every later write of the same key
// observes the existing record.
type ChunkRecord struct {
	Index      uint32    `json:"index"`       // Position within the file, [0, total_chunks)
	Size       uint64    `json:"size"`        // Stored payload length in bytes
	StoredAt   time.Time `json:"storedAt"`    // When the bytes became durable
	StorageKey string    `json:"storageKey"`  // Object-store locator for the payload
}
