package models

import (
	"encoding/json"
	"time"
)

// UploadStatus tracks an upload through embedding and detection.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadProcessing UploadStatus = "processing"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
)

// Upload is one ingested file. Only its status fields are written by this stack.
type Upload struct {
	ID           string          `json:"id"`
	CompanyID    string          `json:"company_id"`
	FileName     string          `json:"file_name,omitempty"`
	Status       UploadStatus    `json:"status"`
	RecordCount  int             `json:"record_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// IsSettled reports whether the upload is already being worked on or finished,
// in which case a new embedding job for it is a no-op.
func (u *Upload) IsSettled() bool {
	return u.Status == UploadCompleted || u.Status == UploadProcessing
}
