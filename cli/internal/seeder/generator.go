// Package seeder generates synthetic uploads with known duplicates and
// writes them where the detection worker will find them.
package seeder

import (
	"errors"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/detection/pkg/keys"
	"github.com/shopspring/decimal"
)

// Options controls what Generate produces. Records is the total row count,
// injected duplicates included.
type Options struct {
	CompanyID           string
	FileName            string
	Records             int
	TxDuplicates        int
	CanonicalDuplicates int
	Currencies          []string
	Users               int
	Seed                int64
	From                time.Time
	To                  time.Time
}

// DefaultOptions seeds 200 records over the last 30 days with a handful of
// each duplicate kind.
func DefaultOptions() Options {
	now := time.Now().UTC()
	return Options{
		FileName:            "seed.csv",
		Records:             200,
		TxDuplicates:        5,
		CanonicalDuplicates: 5,
		Currencies:          []string{"USD", "EUR", "GBP"},
		Users:               10,
		From:                now.AddDate(0, 0, -30),
		To:                  now,
	}
}

// Batch is one generated upload. Injected lists the ids of the copies the
// batch duplicate stage is expected to flag.
type Batch struct {
	Upload   models.Upload
	Records  []models.Record
	Injected []string
}

// Job is the embedding job that hands the batch to the worker.
func (b *Batch) Job() messaging.EmbeddingJob {
	ids := make([]string, len(b.Records))
	for i := range b.Records {
		ids[i] = b.Records[i].ID
	}
	return messaging.EmbeddingJob{
		CompanyID:        b.Upload.CompanyID,
		UploadID:         b.Upload.ID,
		RecordIDs:        ids,
		OriginalFileName: b.Upload.FileName,
	}
}

var ErrInvalidOptions = errors.New("invalid seed options")

// Generate builds a batch. A non-zero Seed yields the same record contents
// on every run; ids are always fresh.
func Generate(opts Options) (*Batch, error) {
	if opts.CompanyID == "" {
		return nil, fmt.Errorf("%w: company id is required", ErrInvalidOptions)
	}
	if opts.Records <= 0 || opts.TxDuplicates < 0 || opts.CanonicalDuplicates < 0 {
		return nil, fmt.Errorf("%w: counts must be positive", ErrInvalidOptions)
	}
	originals := opts.Records - opts.TxDuplicates - opts.CanonicalDuplicates
	if originals < 1 {
		return nil, fmt.Errorf("%w: %d duplicates leave no room for originals in %d records",
			ErrInvalidOptions, opts.TxDuplicates+opts.CanonicalDuplicates, opts.Records)
	}
	if len(opts.Currencies) == 0 {
		opts.Currencies = []string{keys.DefaultCurrency}
	}
	if opts.Users <= 0 {
		opts.Users = 1
	}
	if !opts.From.Before(opts.To) {
		return nil, fmt.Errorf("%w: empty date range", ErrInvalidOptions)
	}

	f := gofakeit.New(opts.Seed)
	uploadID, err := newID()
	if err != nil {
		return nil, err
	}

	users := make([]string, opts.Users)
	for i := range users {
		users[i] = f.Email()
	}

	b := &Batch{
		Upload: models.Upload{
			ID:          uploadID,
			CompanyID:   opts.CompanyID,
			FileName:    opts.FileName,
			Status:      models.UploadPending,
			RecordCount: opts.Records,
			CreatedAt:   time.Now().UTC(),
		},
		Records: make([]models.Record, 0, opts.Records),
	}

	inputs := make([]keys.Input, originals)
	for i := range inputs {
		amount := decimal.NewFromFloat(f.Price(5, 5000)).Round(2)
		date := f.DateRange(opts.From, opts.To).UTC().Truncate(time.Second)
		inputs[i] = keys.Input{
			TxID:     "TX" + f.DigitN(10),
			Partner:  f.Company(),
			Amount:   &amount,
			Currency: opts.Currencies[f.Number(0, len(opts.Currencies)-1)],
			Date:     &date,
			Account:  f.AchAccount(),
			UserKey:  users[f.Number(0, len(users)-1)],
		}
		if err := b.add(opts, inputs[i]); err != nil {
			return nil, err
		}
	}

	// Duplicates copy distinct originals so each forms its own two-record
	// cluster.
	picks := f.Rand.Perm(originals)
	for i := 0; i < opts.TxDuplicates; i++ {
		if err := b.addInjected(opts, inputs[picks[i%originals]]); err != nil {
			return nil, err
		}
	}
	for i := 0; i < opts.CanonicalDuplicates; i++ {
		in := inputs[picks[(opts.TxDuplicates+i)%originals]]
		in.TxID = ""
		if err := b.addInjected(opts, in); err != nil {
			return nil, err
		}
	}

	f.ShuffleAnySlice(b.Records)
	return b, nil
}

func (b *Batch) add(opts Options, in keys.Input) error {
	id, err := newID()
	if err != nil {
		return err
	}
	rec := keys.NewRecord(id, opts.CompanyID, b.Upload.ID, in)
	rec.CreatedAt = b.Upload.CreatedAt
	b.Records = append(b.Records, rec)
	return nil
}

func (b *Batch) addInjected(opts Options, in keys.Input) error {
	if err := b.add(opts, in); err != nil {
		return err
	}
	b.Injected = append(b.Injected, b.Records[len(b.Records)-1].ID)
	return nil
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}
