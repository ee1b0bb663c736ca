// Package repository provides data access for uploads, records, threats,
// alerts and webhook subscriptions used by the detection service.
package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/leakhawk/leakhawk-stack/common/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVectorIndexUnavailable is returned by NearestNeighbors when the
	// store has no native vector index.
	ErrVectorIndexUnavailable = errors.New("vector index unavailable")
)

// NeighborQuery asks for the K nearest stored embeddings to Vector. Local
// scope searches CompanyID's other uploads; global scope searches other
// companies.
type NeighborQuery struct {
	Vector          []float32
	CompanyID       string
	ExcludeUploadID string
	Tier            models.SimilarityTier
	K               int
}

// Neighbor is one native index hit, ordered by ascending cosine distance.
type Neighbor struct {
	RecordID  string
	UploadID  string
	CompanyID string
	Distance  float64
}

// Candidate is a stored embedding loaded for in-memory comparison.
type Candidate struct {
	RecordID  string
	UploadID  string
	CompanyID string
	Vector    []float32
}

// Repository defines the interface for detection data access.
type Repository interface {
	// Uploads
	CreateUpload(ctx context.Context, u *models.Upload) error
	GetUpload(ctx context.Context, id string) (*models.Upload, error)
	SetUploadStatus(ctx context.Context, id string, status models.UploadStatus) error
	CompleteUpload(ctx context.Context, id string, summary json.RawMessage) error
	FailUpload(ctx context.Context, id string, message string) error

	// Records
	InsertRecords(ctx context.Context, records []models.Record) error
	RecordsByUpload(ctx context.Context, uploadID string) ([]models.Record, error)
	RecordsByIDs(ctx context.Context, ids []string) ([]models.Record, error)
	SaveEmbedding(ctx context.Context, recordID string, vector []float32) error

	// Duplicate lookups across a company's other uploads
	ExistingKeys(ctx context.Context, companyID, excludeUploadID string, kind models.KeyType, keys []string) (map[string]struct{}, error)
	HistoricalMatches(ctx context.Context, companyID, excludeUploadID string, kind models.KeyType, key string, limit int) ([]models.Record, error)

	// Similarity
	NearestNeighbors(ctx context.Context, q NeighborQuery) ([]Neighbor, error)
	RecentEmbeddings(ctx context.Context, tier models.SimilarityTier, companyID, excludeUploadID string, limit int) ([]Candidate, error)

	// Findings
	CreateThreat(ctx context.Context, t *models.Threat) error
	CreateAlert(ctx context.Context, a *models.Alert) error
	ThreatsByUpload(ctx context.Context, uploadID string) ([]*models.Threat, error)

	// Subscriptions
	ActiveSubscriptions(ctx context.Context, companyID, event string) ([]models.WebhookSubscription, error)

	Close()
}
