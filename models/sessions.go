package models

import (
	"fmt"
	"time"
)

// UploadStatus is the session lifecycle state.
type UploadStatus string

const (
	StatusInit       UploadStatus = "INIT"
	StatusUploading  UploadStatus = "UPLOADING"
	StatusAssembling UploadStatus = "ASSEMBLING"
	StatusCompleted  UploadStatus = "COMPLETED"
	StatusFailed     UploadStatus = "FAILED"
)

func ParseUploadStatus(s string) (UploadStatus, error) {
	switch UploadStatus(s) {
	case StatusInit, StatusUploading, StatusAssembling, StatusCompleted, StatusFailed:
		return UploadStatus(s), nil
	}
	return "", fmt.Errorf("unknown upload status %q", s)
}

func (s UploadStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the session can never change state again.
func (s UploadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TransitionSources returns the states a session may be in for a transition
// into s to be legal. Self-transitions exist where a retried request must
// re-enter its own state: UPLOADING for the first-chunk race, ASSEMBLING
// for assemble retries.
func (s UploadStatus) TransitionSources() []UploadStatus {
	switch s {
	case StatusUploading:
		return []UploadStatus{StatusInit, StatusUploading}
	case StatusAssembling:
		return []UploadStatus{StatusUploading, StatusAssembling}
	case StatusCompleted:
		return []UploadStatus{StatusAssembling}
	case StatusFailed:
		return []UploadStatus{StatusInit, StatusUploading, StatusAssembling}
	}
	return nil
}

// CanTransitionTo reports whether s -> to is an edge of the state machine.
func (s UploadStatus) CanTransitionTo(to UploadStatus) bool {
	for _, from := range to.TransitionSources() {
		if from == s {
			return true
		}
	}
	return false
}

// UploadSession is one resumable upload. Chunk geometry is fixed at
// creation: TotalChunks = ceil(FileSize / ChunkSize).
type UploadSession struct {
	UploadId       string            `dynamodbav:"upload_id" json:"uploadId"`              // Unique identifier for upload session
	OwnerId        string            `dynamodbav:"owner_id" json:"ownerId"`                // Opaque owner identifier, optional
	FileName       string            `dynamodbav:"file_name" json:"fileName"`              // Client-declared file name
	FileSize       uint64            `dynamodbav:"file_size" json:"fileSize"`              // Total file size in bytes
	FileType       string            `dynamodbav:"file_type" json:"fileType"`              // Client-declared MIME type
	ExpectedDigest string            `dynamodbav:"expected_digest" json:"expectedDigest"`  // "<algo>:<hex>", empty when not supplied
	ChunkSize      uint64            `dynamodbav:"chunk_size" json:"chunkSize"`            // Bytes per chunk, immutable
	TotalChunks    uint32            `dynamodbav:"total_chunks" json:"totalChunks"`        // Number of chunks required
	Status         UploadStatus      `dynamodbav:"status" json:"status"`                   // Current upload status
	FinalPath      string            `dynamodbav:"final_path" json:"finalPath"`            // Set on COMPLETED only
	Metadata       map[string]string `dynamodbav:"metadata" json:"metadata"`               // Opaque client bag
	CreatedAt      time.Time         `dynamodbav:"created_at" json:"createdAt"`            // Session creation timestamp
	UpdatedAt      time.Time         `dynamodbav:"updated_at" json:"updatedAt"`            // Last write timestamp
	ExpirationTime time.Time         `dynamodbav:"expiration_time" json:"expirationTime"` // Session expiry, immutable
	ExpiresEpoch   int64             `dynamodbav:"expires_epoch" json:"-"`                 // ExpirationTime as unix seconds, for range filters
}

// IsExpired reports whether the session is past its lifetime at now.
func (s *UploadSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpirationTime)
}

// ChunkSizeAt returns the expected payload length for a chunk index. Every
// chunk is ChunkSize bytes except the last, which carries the remainder.
func (s *UploadSession) ChunkSizeAt(index uint32) uint64 {
	if index == s.TotalChunks-1 {
		return s.FileSize - uint64(s.TotalChunks-1)*s.ChunkSize
	}
	return s.ChunkSize
}

// StatusReport is the status-query view of a session plus chunk accounting.
type StatusReport struct {
	UploadId       string       `json:"uploadId"`
	FileName       string       `json:"fileName"`
	FileSize       uint64       `json:"fileSize"`
	TotalChunks    uint32       `json:"totalChunks"`
	UploadedChunks uint32       `json:"uploadedChunks"`
	MissingChunks  []uint32     `json:"missingChunks"`
	Status         UploadStatus `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
	ExpirationTime time.Time    `json:"expiresAt"`
}
