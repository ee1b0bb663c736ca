// Package duplicate clusters strict duplicate records inside one upload and
// against a company's earlier uploads.
package duplicate

import (
	"time"

	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/shopspring/decimal"
)

// Config holds the strict-match tolerances and lookup bounds.
type Config struct {
	AmountTolerance      decimal.Decimal
	DateTolerance        time.Duration
	HistoricalKeyCap     int
	HistoricalMatchLimit int
}

// DefaultConfig returns a one-cent, five-minute tolerance with the standard
// lookup bounds.
func DefaultConfig() Config {
	return Config{
		AmountTolerance:      decimal.New(1, -2),
		DateTolerance:        300 * time.Second,
		HistoricalKeyCap:     1000,
		HistoricalMatchLimit: 50,
	}
}

// ConfigFrom converts the service configuration.
func ConfigFrom(c config.DetectionConfig) Config {
	cfg := DefaultConfig()
	if c.AmountToleranceCents >= 0 {
		cfg.AmountTolerance = decimal.New(c.AmountToleranceCents, -2)
	}
	if c.DateToleranceSeconds >= 0 {
		cfg.DateTolerance = time.Duration(c.DateToleranceSeconds) * time.Second
	}
	if c.HistoricalKeyCap > 0 {
		cfg.HistoricalKeyCap = c.HistoricalKeyCap
	}
	if c.HistoricalMatchLimit > 0 {
		cfg.HistoricalMatchLimit = c.HistoricalMatchLimit
	}
	return cfg
}

// StrictMatch reports whether a and b are strict duplicates: same normalized
// partner and currency, amounts within tolerance, and dates within tolerance
// or on the same UTC day. Two missing amounts (or dates) match each other;
// one missing value never does. The relation is symmetric.
func (c Config) StrictMatch(a, b *models.Record) bool {
	if a.NormalizedPartner != b.NormalizedPartner || a.NormalizedCurrency != b.NormalizedCurrency {
		return false
	}
	return c.amountsMatch(a.Amount, b.Amount) && c.datesMatch(a.Date, b.Date)
}

func (c Config) amountsMatch(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Sub(*b).Abs().LessThanOrEqual(c.AmountTolerance)
}

func (c Config) datesMatch(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	diff := a.Sub(*b)
	if diff < 0 {
		diff = -diff
	}
	if diff <= c.DateTolerance {
		return true
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
