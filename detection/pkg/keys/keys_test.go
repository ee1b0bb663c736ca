package keys

import (
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func amt(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func at(s string) *time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestNormalizeCurrency(t *testing.T) {
	assert.Equal(t, "EUR", NormalizeCurrency(" eur "))
	assert.Equal(t, "USD", NormalizeCurrency(""))
	assert.Equal(t, "USD", NormalizeCurrency("   "))
}

func TestNormalizePartner(t *testing.T) {
	assert.Equal(t, "acme corp ltd", NormalizePartner("  ACME   Corp\tLtd "))
	assert.Equal(t, "", NormalizePartner(" "))
}

func TestMaskAccount(t *testing.T) {
	tests := []struct{ in, want string }{
		{"DE89 3704 0044 0532 0130 00", "******************3000"},
		{"1234-5678", "****5678"},
		{"123", "123"},
		{"", ""},
		{"ACCT-ÄÖÜ€", "****ÄÖÜ€"},
		{"äöü€", "ÄÖÜ€"},
	}
	for _, tt := range tests {
		got := MaskAccount(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.True(t, utf8.ValidString(got), tt.in)
	}
}

func TestBucket(t *testing.T) {
	ts := time.Unix(1_700_000_059, 0)
	assert.Equal(t, int64(1_700_000_059/30), Bucket(&ts, 30))
	assert.Equal(t, int64(1_700_000_059/60), Bucket(&ts, 60))
	assert.Equal(t, int64(0), Bucket(nil, 30))
}

func TestCanonicalKeyIgnoresPartnerFormatting(t *testing.T) {
	base := Input{UserKey: "u1", Partner: "Acme Corp", Amount: amt("100.5"), Currency: "usd", Date: at("2024-03-01T10:00:05Z")}
	variant := base
	variant.Partner = "  ACME   corp "
	variant.Amount = amt("100.50")
	variant.Currency = "USD "
	variant.Date = at("2024-03-01T10:00:20Z")

	assert.Equal(t, Derive(base).CanonicalKey, Derive(variant).CanonicalKey)

	other := base
	other.Amount = amt("100.51")
	assert.NotEqual(t, Derive(base).CanonicalKey, Derive(other).CanonicalKey)

	later := base
	later.Date = at("2024-03-01T10:00:35Z")
	assert.NotEqual(t, Derive(base).CanonicalKey, Derive(later).CanonicalKey, "different 30s bucket")
}

func TestCanonicalKeyChangesWithEachField(t *testing.T) {
	base := Input{UserKey: "u1", Partner: "Acme Corp", Amount: amt("100.50"), Currency: "USD", Date: at("2024-03-01T10:00:05Z")}

	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"user key", func(in *Input) { in.UserKey = "u2" }},
		{"partner", func(in *Input) { in.Partner = "Acme Inc" }},
		{"amount", func(in *Input) { in.Amount = amt("100.49") }},
		{"currency", func(in *Input) { in.Currency = "EUR" }},
		{"time bucket", func(in *Input) { in.Date = at("2024-03-01T10:00:31Z") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := base
			tt.mutate(&changed)
			assert.NotEqual(t, Derive(base).CanonicalKey, Derive(changed).CanonicalKey)
		})
	}
}

func TestRecordSignatureChangesWithEachField(t *testing.T) {
	base := Input{TxID: "TX1", Partner: "Acme", Amount: amt("10"), Currency: "USD", Date: at("2024-03-01T10:00:05Z")}

	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"tx id", func(in *Input) { in.TxID = "TX2" }},
		{"amount", func(in *Input) { in.Amount = amt("10.01") }},
		{"partner", func(in *Input) { in.Partner = "Globex" }},
		{"currency", func(in *Input) { in.Currency = "GBP" }},
		{"date", func(in *Input) { in.Date = at("2024-03-01T10:00:06Z") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := base
			tt.mutate(&changed)
			assert.NotEqual(t, Derive(base).RecordSignature, Derive(changed).RecordSignature)
		})
	}
}

func TestRecordSignatureTruncatesToSecond(t *testing.T) {
	a := Input{TxID: "TX1", Partner: "Acme", Amount: amt("10"), Date: at("2024-03-01T10:00:05.120Z")}
	b := a
	b.Date = at("2024-03-01T10:00:05.980Z")
	assert.Equal(t, Derive(a).RecordSignature, Derive(b).RecordSignature)

	c := a
	c.TxID = "TX2"
	assert.NotEqual(t, Derive(a).RecordSignature, Derive(c).RecordSignature)
}

func TestDeriveIsDeterministicAndHex(t *testing.T) {
	in := Input{TxID: "TX1", Partner: "Acme", Amount: amt("10"), Account: "12345678"}
	d1, d2 := Derive(in), Derive(in)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1.CanonicalKey, 64)
	assert.Len(t, d1.AccountKey, 64)
	assert.Equal(t, "****5678", d1.AccountMasked)
	assert.Equal(t, "USD", d1.NormalizedCurrency)
}

func TestNewRecordCopiesDerivedFields(t *testing.T) {
	r := NewRecord("r1", "c1", "u1", Input{TxID: " TX1 ", Partner: "Acme", Amount: amt("5")})
	assert.Equal(t, "TX1", r.TxID)
	assert.Equal(t, "acme", r.NormalizedPartner)
	assert.Equal(t, Derive(Input{TxID: "TX1", Partner: "Acme", Amount: amt("5")}).CanonicalKey, r.CanonicalKey)
}
