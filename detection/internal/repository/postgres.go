package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leakhawk/leakhawk-stack/common/database"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/shopspring/decimal"
)

// PostgresRepository implements Repository using PostgreSQL, with pgvector
// for native nearest-neighbour search when the extension is installed.
type PostgresRepository struct {
	pool      *pgxpool.Pool
	hasVector bool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string, maxConns int32) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}
	if err := r.detectVectorColumn(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRepository) detectVectorColumn(ctx context.Context) error {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'records' AND column_name = 'embedding_vector'
		)
	`
	if err := r.pool.QueryRow(ctx, query).Scan(&r.hasVector); err != nil {
		return fmt.Errorf("failed to inspect records table: %w", err)
	}
	return nil
}

// HasVectorIndex reports whether the native vector column exists.
func (r *PostgresRepository) HasVectorIndex() bool { return r.hasVector }

// Close closes the connection pool
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// Ping verifies connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateUpload inserts an upload row.
func (r *PostgresRepository) CreateUpload(ctx context.Context, u *models.Upload) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO uploads (id, company_id, file_name, status, record_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`
	_, err := r.pool.Exec(ctx, query, u.ID, u.CompanyID, nullable(u.FileName), u.Status, u.RecordCount, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

// GetUpload retrieves an upload by ID
func (r *PostgresRepository) GetUpload(ctx context.Context, id string) (*models.Upload, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT id, company_id, file_name, status, record_count, error_message,
		       summary, created_at, updated_at, completed_at
		FROM uploads
		WHERE id = $1
	`

	var (
		u                 models.Upload
		fileName, errText *string
		summary           []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.CompanyID, &fileName, &u.Status, &u.RecordCount, &errText,
		&summary, &u.CreatedAt, &u.UpdatedAt, &u.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	u.FileName = deref(fileName)
	u.ErrorMessage = deref(errText)
	u.Summary = summary
	return &u, nil
}

// SetUploadStatus moves an upload to status.
func (r *PostgresRepository) SetUploadStatus(ctx context.Context, id string, status models.UploadStatus) error {
	return r.updateUpload(ctx, `UPDATE uploads SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
}

// CompleteUpload marks an upload completed and stores its run summary.
func (r *PostgresRepository) CompleteUpload(ctx context.Context, id string, summary json.RawMessage) error {
	query := `
		UPDATE uploads
		SET status = 'completed', summary = $2, error_message = NULL,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	return r.updateUpload(ctx, query, id, []byte(summary))
}

// FailUpload marks an upload failed with message.
func (r *PostgresRepository) FailUpload(ctx context.Context, id string, message string) error {
	query := `UPDATE uploads SET status = 'failed', error_message = $2, updated_at = NOW() WHERE id = $1`
	return r.updateUpload(ctx, query, id, message)
}

func (r *PostgresRepository) updateUpload(ctx context.Context, query, id string, arg any) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("failed to update upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const recordColumns = `
	id, company_id, upload_id, tx_id, partner, amount, currency, date,
	normalized_partner, normalized_currency, user_key, account_key, account_masked,
	time_bucket_30s, time_bucket_60s, canonical_key, record_signature, embedding, created_at
`

// InsertRecords bulk-inserts records in one batch.
func (r *PostgresRepository) InsertRecords(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	query := `
		INSERT INTO records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	batch := &pgx.Batch{}
	for i := range records {
		rec := &records[i]
		var embedding []byte
		if rec.HasEmbedding() {
			b, err := json.Marshal(rec.Embedding)
			if err != nil {
				return fmt.Errorf("failed to encode embedding: %w", err)
			}
			embedding = b
		}
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(query,
			rec.ID, rec.CompanyID, rec.UploadID, nullable(rec.TxID), nullable(rec.Partner),
			rec.Amount, nullable(rec.Currency), rec.Date,
			rec.NormalizedPartner, rec.NormalizedCurrency, nullable(rec.UserKey),
			nullable(rec.AccountKey), nullable(rec.AccountMasked),
			rec.TimeBucket30s, rec.TimeBucket60s, rec.CanonicalKey, rec.RecordSignature,
			embedding, createdAt,
		)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}
	return nil
}

// RecordsByUpload returns every record of an upload in insertion order.
func (r *PostgresRepository) RecordsByUpload(ctx context.Context, uploadID string) ([]models.Record, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	query := `SELECT ` + recordColumns + ` FROM records WHERE upload_id = $1 ORDER BY created_at, id`
	return r.queryRecords(ctx, query, uploadID)
}

// RecordsByIDs returns the records with the given ids.
func (r *PostgresRepository) RecordsByIDs(ctx context.Context, ids []string) ([]models.Record, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + recordColumns + ` FROM records WHERE id = ANY($1) ORDER BY created_at, id`
	return r.queryRecords(ctx, query, ids)
}

// SaveEmbedding stores the vector as portable JSON and, where available,
// in the native vector column.
func (r *PostgresRepository) SaveEmbedding(ctx context.Context, recordID string, vector []float32) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	portable, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	var tag pgconn.CommandTag
	if r.hasVector {
		tag, err = r.pool.Exec(ctx,
			`UPDATE records SET embedding = $2, embedding_vector = $3::vector WHERE id = $1`,
			recordID, portable, database.VectorLiteral(vector))
	} else {
		tag, err = r.pool.Exec(ctx, `UPDATE records SET embedding = $2 WHERE id = $1`, recordID, portable)
	}
	if err != nil {
		return fmt.Errorf("failed to save embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// keyColumn maps a key type onto its column. Only these two are accepted.
func keyColumn(kind models.KeyType) (string, error) {
	switch kind {
	case models.KeyTxID:
		return "tx_id", nil
	case models.KeyCanonical:
		return "canonical_key", nil
	default:
		return "", fmt.Errorf("unknown key type %q", kind)
	}
}

// ExistingKeys returns which of keys already occur in the company's other uploads.
func (r *PostgresRepository) ExistingKeys(ctx context.Context, companyID, excludeUploadID string, kind models.KeyType, keys []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(keys) == 0 {
		return found, nil
	}
	col, err := keyColumn(kind)
	if err != nil {
		return nil, err
	}

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT DISTINCT %[1]s FROM records
		WHERE company_id = $1 AND upload_id <> $2 AND %[1]s = ANY($3)
	`, col)
	rows, err := r.pool.Query(ctx, query, companyID, excludeUploadID, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		found[k] = struct{}{}
	}
	return found, rows.Err()
}

// HistoricalMatches returns up to limit of the most recent records in the
// company's other uploads sharing key.
func (r *PostgresRepository) HistoricalMatches(ctx context.Context, companyID, excludeUploadID string, kind models.KeyType, key string, limit int) ([]models.Record, error) {
	col, err := keyColumn(kind)
	if err != nil {
		return nil, err
	}

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM records
		WHERE company_id = $1 AND upload_id <> $2 AND %s = $3
		ORDER BY created_at DESC
		LIMIT $4
	`, recordColumns, col)
	return r.queryRecords(ctx, query, companyID, excludeUploadID, key, limit)
}

// NearestNeighbors runs an ascending cosine-distance query on the vector index.
func (r *PostgresRepository) NearestNeighbors(ctx context.Context, q NeighborQuery) ([]Neighbor, error) {
	if !r.hasVector {
		return nil, ErrVectorIndexUnavailable
	}

	ctx, cancel := database.VectorContext(ctx)
	defer cancel()

	companyFilter := "company_id = $2 AND upload_id <> $3"
	if q.Tier == models.TierGlobal {
		companyFilter = "company_id <> $2 AND upload_id <> $3"
	}
	query := `
		SELECT id, upload_id, company_id, embedding_vector <=> $1::vector AS distance
		FROM records
		WHERE embedding_vector IS NOT NULL AND ` + companyFilter + `
		ORDER BY embedding_vector <=> $1::vector
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query, database.VectorLiteral(q.Vector), q.CompanyID, q.ExcludeUploadID, q.K)
	if err != nil {
		return nil, fmt.Errorf("nearest neighbour query failed: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.RecordID, &n.UploadID, &n.CompanyID, &n.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan neighbour: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RecentEmbeddings loads the most recent stored embeddings for a scope.
func (r *PostgresRepository) RecentEmbeddings(ctx context.Context, tier models.SimilarityTier, companyID, excludeUploadID string, limit int) ([]Candidate, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	companyFilter := "company_id = $1"
	if tier == models.TierGlobal {
		companyFilter = "company_id <> $1"
	}
	query := `
		SELECT id, upload_id, company_id, embedding
		FROM records
		WHERE embedding IS NOT NULL AND upload_id <> $2 AND ` + companyFilter + `
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, companyID, excludeUploadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			c   Candidate
			raw []byte
		)
		if err := rows.Scan(&c.RecordID, &c.UploadID, &c.CompanyID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		if err := json.Unmarshal(raw, &c.Vector); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateThreat inserts a threat
func (r *PostgresRepository) CreateThreat(ctx context.Context, t *models.Threat) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	meta, err := models.EncodeMetadata(t.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO threats (id, company_id, upload_id, record_id, threat_type, confidence_score,
		                     description, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.pool.Exec(ctx, query,
		t.ID, t.CompanyID, t.UploadID, t.RecordID, t.ThreatType, t.ConfidenceScore,
		t.Description, t.Status, meta, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create threat: %w", err)
	}
	return nil
}

// CreateAlert inserts an alert
func (r *PostgresRepository) CreateAlert(ctx context.Context, a *models.Alert) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO alerts (id, company_id, record_id, threat_id, severity, title, summary,
		                    payload, delivered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		a.ID, a.CompanyID, a.RecordID, a.ThreatID, a.Severity, a.Title, a.Summary,
		a.Payload, a.Delivered, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// ThreatsByUpload lists an upload's threats, oldest first.
func (r *PostgresRepository) ThreatsByUpload(ctx context.Context, uploadID string) ([]*models.Threat, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT id, company_id, upload_id, record_id, threat_type, confidence_score,
		       description, status, metadata, explanation, created_at
		FROM threats
		WHERE upload_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.pool.Query(ctx, query, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threats: %w", err)
	}
	defer rows.Close()

	var out []*models.Threat
	for rows.Next() {
		var (
			t    models.Threat
			meta []byte
		)
		if err := rows.Scan(&t.ID, &t.CompanyID, &t.UploadID, &t.RecordID, &t.ThreatType,
			&t.ConfidenceScore, &t.Description, &t.Status, &meta, &t.Explanation, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan threat: %w", err)
		}
		if t.Metadata, err = models.DecodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ActiveSubscriptions lists active subscriptions of a company listening for event.
func (r *PostgresRepository) ActiveSubscriptions(ctx context.Context, companyID, event string) ([]models.WebhookSubscription, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT id, company_id, url, secret, events, active, created_at
		FROM webhook_subscriptions
		WHERE company_id = $1 AND active AND ($2 = ANY(events) OR '*' = ANY(events))
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query, companyID, event)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookSubscription
	for rows.Next() {
		var s models.WebhookSubscription
		if err := rows.Scan(&s.ID, &s.CompanyID, &s.URL, &s.Secret, &s.Events, &s.Active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateSubscription inserts a webhook subscription.
func (r *PostgresRepository) CreateSubscription(ctx context.Context, s *models.WebhookSubscription) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO webhook_subscriptions (id, company_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := r.pool.Exec(ctx, query, s.ID, s.CompanyID, s.URL, s.Secret, s.Events, s.Active, s.CreatedAt); err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (r *PostgresRepository) queryRecords(ctx context.Context, query string, args ...any) ([]models.Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (models.Record, error) {
	var (
		rec                                                   models.Record
		txID, partner, currency, userKey, acctKey, acctMasked *string
		amount                                                decimal.NullDecimal
		embedding                                             []byte
	)
	err := row.Scan(
		&rec.ID, &rec.CompanyID, &rec.UploadID, &txID, &partner, &amount, &currency, &rec.Date,
		&rec.NormalizedPartner, &rec.NormalizedCurrency, &userKey, &acctKey, &acctMasked,
		&rec.TimeBucket30s, &rec.TimeBucket60s, &rec.CanonicalKey, &rec.RecordSignature,
		&embedding, &rec.CreatedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.TxID = deref(txID)
	rec.Partner = deref(partner)
	rec.Currency = deref(currency)
	rec.UserKey = deref(userKey)
	rec.AccountKey = deref(acctKey)
	rec.AccountMasked = deref(acctMasked)
	if amount.Valid {
		a := amount.Decimal
		rec.Amount = &a
	}
	if len(embedding) > 0 {
		if err := json.Unmarshal(embedding, &rec.Embedding); err != nil {
			return rec, fmt.Errorf("failed to decode embedding for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
