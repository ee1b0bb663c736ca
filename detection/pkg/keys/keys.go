// Package keys derives the normalized fields and deterministic hash keys of a
// transaction record. Duplicate clustering relies on these keys so that
// candidate groups are hash lookups rather than pairwise comparisons.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/shopspring/decimal"
)

// DefaultCurrency applies when a record carries no currency.
const DefaultCurrency = "USD"

// Input is the raw, parsed form of one transaction.
type Input struct {
	TxID     string
	Partner  string
	Amount   *decimal.Decimal
	Currency string
	Date     *time.Time
	Account  string
	UserKey  string
}

// Derived holds every field computed from an Input.
type Derived struct {
	NormalizedPartner  string
	NormalizedCurrency string
	AccountKey         string
	AccountMasked      string
	TimeBucket30s      int64
	TimeBucket60s      int64
	CanonicalKey       string
	RecordSignature    string
}

// Derive computes normalized fields and keys. It is a pure function.
func Derive(in Input) Derived {
	partner := NormalizePartner(in.Partner)
	currency := NormalizeCurrency(in.Currency)
	bucket30 := Bucket(in.Date, 30)

	d := Derived{
		NormalizedPartner:  partner,
		NormalizedCurrency: currency,
		AccountMasked:      MaskAccount(in.Account),
		TimeBucket30s:      bucket30,
		TimeBucket60s:      Bucket(in.Date, 60),
		CanonicalKey:       CanonicalKey(in.UserKey, partner, in.Amount, currency, bucket30),
		RecordSignature:    RecordSignature(strings.TrimSpace(in.TxID), in.Amount, partner, currency, in.Date),
	}
	if acct := normalizeAccount(in.Account); acct != "" {
		d.AccountKey = digest(acct)
	}
	return d
}

// NewRecord builds a Record with all derived fields populated.
func NewRecord(id, companyID, uploadID string, in Input) models.Record {
	d := Derive(in)
	return models.Record{
		ID:                 id,
		CompanyID:          companyID,
		UploadID:           uploadID,
		TxID:               strings.TrimSpace(in.TxID),
		Partner:            in.Partner,
		Amount:             in.Amount,
		Currency:           in.Currency,
		Date:               in.Date,
		NormalizedPartner:  d.NormalizedPartner,
		NormalizedCurrency: d.NormalizedCurrency,
		UserKey:            in.UserKey,
		AccountKey:         d.AccountKey,
		AccountMasked:      d.AccountMasked,
		TimeBucket30s:      d.TimeBucket30s,
		TimeBucket60s:      d.TimeBucket60s,
		CanonicalKey:       d.CanonicalKey,
		RecordSignature:    d.RecordSignature,
	}
}

// NormalizeCurrency upper-cases and trims, defaulting to USD.
func NormalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return DefaultCurrency
	}
	return c
}

// NormalizePartner trims, collapses internal whitespace and lower-cases.
func NormalizePartner(p string) string {
	return strings.ToLower(strings.Join(strings.Fields(p), " "))
}

// MaskAccount keeps the last four characters of an account identifier.
func MaskAccount(account string) string {
	acct := normalizeAccount(account)
	if acct == "" {
		return ""
	}
	r := []rune(acct)
	if len(r) <= 4 {
		return acct
	}
	return strings.Repeat("*", len(r)-4) + string(r[len(r)-4:])
}

func normalizeAccount(account string) string {
	var b strings.Builder
	for _, r := range account {
		if unicode.IsSpace(r) || r == '-' {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Bucket maps a timestamp to a fixed-width window by integer division of its
// Unix seconds. A missing date falls in bucket 0.
func Bucket(t *time.Time, widthSeconds int64) int64 {
	if t == nil || widthSeconds <= 0 {
		return 0
	}
	return t.Unix() / widthSeconds
}

// CanonicalKey hashes userKey|partner|amount|currency|bucket30.
func CanonicalKey(userKey, normalizedPartner string, amount *decimal.Decimal, currency string, bucket30 int64) string {
	return digest(strings.Join([]string{
		userKey,
		normalizedPartner,
		formatAmount(amount),
		currency,
		strconv.FormatInt(bucket30, 10),
	}, "|"))
}

// RecordSignature hashes txId|amount|partner|currency|date, with the date
// truncated to the second.
func RecordSignature(txID string, amount *decimal.Decimal, normalizedPartner, currency string, date *time.Time) string {
	ts := ""
	if date != nil {
		ts = date.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	return digest(strings.Join([]string{
		txID,
		formatAmount(amount),
		normalizedPartner,
		currency,
		ts,
	}, "|"))
}

func formatAmount(a *decimal.Decimal) string {
	if a == nil {
		return ""
	}
	return a.StringFixed(2)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
