package messaging

import (
	"encoding/json"
	"time"
)

// EmbeddingJob asks the worker to embed and scan one upload.
type EmbeddingJob struct {
	CompanyID        string   `json:"companyId"`
	UploadID         string   `json:"uploadId"`
	RecordIDs        []string `json:"recordIds"`
	OriginalFileName string   `json:"originalFileName,omitempty"`
}

// Valid reports whether the job carries every required field.
func (j EmbeddingJob) Valid() bool {
	return j.CompanyID != "" && j.UploadID != "" && len(j.RecordIDs) > 0
}

// WebhookDelivery is one delivery attempt. Attempt starts at 1. RetryAt is set
// only on messages parked on the retry subject.
type WebhookDelivery struct {
	ID          string          `json:"id"`
	WebhookID   string          `json:"webhookId"`
	CompanyID   string          `json:"companyId"`
	Event       string          `json:"event"`
	Data        json.RawMessage `json:"data"`
	Attempt     int             `json:"attempt"`
	Environment string          `json:"environment"`
	RetryAt     *time.Time      `json:"retryAt,omitempty"`
}

// DeadLetter is a delivery that exhausted its retries or failed terminally.
type DeadLetter struct {
	Delivery     WebhookDelivery `json:"delivery"`
	Error        string          `json:"error"`
	ErrorCode    string          `json:"errorCode"`
	FinalAttempt int             `json:"finalAttempt"`
	Timestamp    time.Time       `json:"timestamp"`
}
