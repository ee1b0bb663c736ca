package seeder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leakhawk/leakhawk-stack/common/models"
)

// ErrUploadNotFound is returned by UploadJob for an unknown upload.
var ErrUploadNotFound = errors.New("upload not found")

// Store writes seed data straight into the detection schema.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Write inserts the upload and its records in one transaction.
func (s *Store) Write(ctx context.Context, b *Batch) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		u := b.Upload
		_, err := tx.Exec(ctx, `
			INSERT INTO uploads (id, company_id, file_name, status, record_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)`,
			u.ID, u.CompanyID, u.FileName, u.Status, u.RecordCount, u.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create upload: %w", err)
		}

		batch := &pgx.Batch{}
		for i := range b.Records {
			r := &b.Records[i]
			batch.Queue(`
				INSERT INTO records (
					id, company_id, upload_id, tx_id, partner, amount, currency, date,
					normalized_partner, normalized_currency, user_key, account_key, account_masked,
					time_bucket_30s, time_bucket_60s, canonical_key, record_signature, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
				r.ID, r.CompanyID, r.UploadID, nullable(r.TxID), nullable(r.Partner), r.Amount,
				nullable(r.Currency), r.Date, r.NormalizedPartner, r.NormalizedCurrency,
				nullable(r.UserKey), nullable(r.AccountKey), nullable(r.AccountMasked),
				r.TimeBucket30s, r.TimeBucket60s, r.CanonicalKey, r.RecordSignature, r.CreatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert records: %w", err)
		}
		return nil
	})
}

// CreateSubscription registers a webhook endpoint for the company.
func (s *Store) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_subscriptions (id, company_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.CompanyID, sub.URL, sub.Secret, sub.Events, sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UploadJob rebuilds the embedding job for an existing upload.
func (s *Store) UploadJob(ctx context.Context, uploadID string) (*Batch, error) {
	var u models.Upload
	var fileName *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, company_id, file_name, status, record_count FROM uploads WHERE id = $1`, uploadID,
	).Scan(&u.ID, &u.CompanyID, &fileName, &u.Status, &u.RecordCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	if fileName != nil {
		u.FileName = *fileName
	}

	rows, err := s.pool.Query(ctx, `SELECT id FROM records WHERE upload_id = $1 ORDER BY created_at, id`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	b := &Batch{Upload: u, Records: make([]models.Record, len(ids))}
	for i, id := range ids {
		b.Records[i] = models.Record{ID: id, CompanyID: u.CompanyID, UploadID: u.ID}
	}
	return b, nil
}

// Status returns an upload's status and stored summary.
func (s *Store) Status(ctx context.Context, uploadID string) (*models.Upload, error) {
	var u models.Upload
	var fileName, errMsg *string
	var summary []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, company_id, file_name, status, record_count, error_message, summary,
		       created_at, updated_at, completed_at
		FROM uploads WHERE id = $1`, uploadID,
	).Scan(&u.ID, &u.CompanyID, &fileName, &u.Status, &u.RecordCount, &errMsg, &summary,
		&u.CreatedAt, &u.UpdatedAt, &u.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	if fileName != nil {
		u.FileName = *fileName
	}
	if errMsg != nil {
		u.ErrorMessage = *errMsg
	}
	if len(summary) > 0 {
		u.Summary = json.RawMessage(summary)
	}
	return &u, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
