// Package models defines the domain entities shared by the detection, webhook
// and realtime services.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is one normalized financial transaction. Optional source fields use
// their zero value ("" or nil) when absent.
type Record struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	UploadID  string `json:"upload_id"`

	TxID     string           `json:"tx_id,omitempty"`
	Partner  string           `json:"partner,omitempty"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency string           `json:"currency,omitempty"`
	Date     *time.Time       `json:"date,omitempty"`

	NormalizedPartner  string `json:"normalized_partner"`
	NormalizedCurrency string `json:"normalized_currency"`
	UserKey            string `json:"user_key,omitempty"`
	AccountKey         string `json:"account_key,omitempty"`
	AccountMasked      string `json:"account_masked,omitempty"`
	TimeBucket30s      int64  `json:"time_bucket_30s"`
	TimeBucket60s      int64  `json:"time_bucket_60s"`
	CanonicalKey       string `json:"canonical_key"`
	RecordSignature    string `json:"record_signature"`

	// Embedding is attached by the embedding stage; nil until then.
	Embedding []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// AmountOrZero returns the amount, or zero when the record has none.
func (r *Record) AmountOrZero() decimal.Decimal {
	if r.Amount == nil {
		return decimal.Zero
	}
	return *r.Amount
}

// HasEmbedding reports whether a vector has been attached.
func (r *Record) HasEmbedding() bool {
	return len(r.Embedding) > 0
}
