package models

import "time"

// PipelineJob is the fire-and-forget handoff to the AI post-processing
// pipeline. JobId doubles as the downstream idempotency key.
type PipelineJob struct {
	JobId     string            `json:"jobId"`
	UploadId  string            `json:"uploadId"`
	FilePath  string            `json:"filePath"`
	Purpose   string            `json:"purpose"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// PipelineRef is what the completion response reports about the handoff.
type PipelineRef struct {
	Status        string `json:"status"`
	EstimatedTime string `json:"estimatedTime"`
	JobId         string `json:"jobId,omitempty"`
}

// UploadCompletedEvent is published on the notifications queue after a
// session reaches COMPLETED. Delivery is at-least-once; consumers dedupe by
// UploadId.
type UploadCompletedEvent struct {
	UploadId    string    `json:"uploadId"`
	FilePath    string    `json:"filePath"`
	FileName    string    `json:"fileName"`
	FileSize    uint64    `json:"fileSize"`
	Checksum    string    `json:"checksum,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}
