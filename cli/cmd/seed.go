package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/leakhawk/leakhawk-stack/cli/internal/seeder"
	"github.com/leakhawk/leakhawk-stack/cli/pkg/output"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	natsmgr "github.com/leakhawk/leakhawk-stack/common/messaging/nats"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/spf13/cobra"
)

var (
	seedOpts       = seeder.DefaultOptions()
	seedWebhookURL string
	seedNoEnqueue  bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write a synthetic upload with injected duplicates and enqueue it",
	Long: `Generate a realistic upload with known transaction-id and canonical
duplicates, write it to Postgres and enqueue it for embedding and detection.

Examples:
  # 200 records with the default duplicate mix
  leakctl seed --company acme

  # Reproducible contents and a webhook subscriber to watch alerts arrive
  leakctl seed --company acme --seed 7 --webhook-url https://hooks.slack.com/services/T/B/X`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter()
		if err != nil {
			return err
		}
		prof, err := currentProfile()
		if err != nil {
			return err
		}

		batch, err := seeder.Generate(seedOpts)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		store, err := seeder.Open(ctx, prof.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		if seedWebhookURL != "" {
			sub, secret, err := newSubscription(seedOpts.CompanyID, seedWebhookURL)
			if err != nil {
				return err
			}
			if err := store.CreateSubscription(ctx, sub); err != nil {
				return err
			}
			p.Success("Webhook %s registered (secret %s)", sub.ID, secret)
		}

		if err := store.Write(ctx, batch); err != nil {
			return err
		}
		p.Success("Upload %s written with %d records (%d injected duplicates)",
			batch.Upload.ID, len(batch.Records), len(batch.Injected))

		if !seedNoEnqueue {
			if err := withBroker(ctx, func(m *natsmgr.Manager) error {
				return messaging.PublishJSON(ctx, m, messaging.SubjectEmbeddingsGenerate, batch.Job())
			}); err != nil {
				return fmt.Errorf("upload written but enqueue failed: %w", err)
			}
			p.Success("Embedding job enqueued")
		}

		summary := struct {
			UploadID string   `json:"upload_id" yaml:"upload_id"`
			Records  int      `json:"records" yaml:"records"`
			Injected []string `json:"injected" yaml:"injected"`
		}{batch.Upload.ID, len(batch.Records), batch.Injected}
		return p.Render(summary, func() *output.Table {
			t := output.NewTable("UPLOAD", "RECORDS", "EXPECTED FLAGGED")
			t.AddRow(batch.Upload.ID, fmt.Sprint(len(batch.Records)), fmt.Sprint(len(batch.Injected)))
			return t
		})
	},
}

func newSubscription(companyID, url string) (*models.WebhookSubscription, string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", err
	}
	secret := hex.EncodeToString(buf)
	return &models.WebhookSubscription{
		ID:        id.String(),
		CompanyID: companyID,
		URL:       url,
		Secret:    secret,
		Events:    []string{"*"},
		Active:    true,
	}, secret, nil
}

func init() {
	rootCmd.AddCommand(seedCmd)

	f := seedCmd.Flags()
	f.StringVar(&seedOpts.CompanyID, "company", "", "company id to seed (required)")
	f.IntVar(&seedOpts.Records, "records", seedOpts.Records, "total records, duplicates included")
	f.IntVar(&seedOpts.TxDuplicates, "tx-duplicates", seedOpts.TxDuplicates, "copies sharing an existing transaction id")
	f.IntVar(&seedOpts.CanonicalDuplicates, "canonical-duplicates", seedOpts.CanonicalDuplicates, "copies without a transaction id")
	f.StringSliceVar(&seedOpts.Currencies, "currencies", seedOpts.Currencies, "currencies to draw from")
	f.IntVar(&seedOpts.Users, "users", seedOpts.Users, "distinct user keys")
	f.Int64Var(&seedOpts.Seed, "seed", 0, "random seed (0 picks one)")
	f.StringVar(&seedOpts.FileName, "file-name", seedOpts.FileName, "original file name recorded on the upload")
	f.StringVar(&seedWebhookURL, "webhook-url", "", "also register a webhook subscription for every event")
	f.BoolVar(&seedNoEnqueue, "no-enqueue", false, "write the upload without enqueuing it")
	_ = seedCmd.MarkFlagRequired("company")
}
