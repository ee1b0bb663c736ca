package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/leakhawk/leakhawk-stack/cli/internal/seeder"
	"github.com/leakhawk/leakhawk-stack/cli/pkg/output"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	natsmgr "github.com/leakhawk/leakhawk-stack/common/messaging/nats"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Enqueue uploads and check their progress",
}

var uploadEnqueueCmd = &cobra.Command{
	Use:   "enqueue <upload-id>",
	Short: "Publish an embedding job for an existing upload",
	Long: `Publish an embeddings.generate job covering every record of the upload.
The worker drops the job if the upload is already processing or completed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter()
		if err != nil {
			return err
		}
		prof, err := currentProfile()
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

		batch, err := store.UploadJob(ctx, args[0])
		if err != nil {
			return err
		}
		job := batch.Job()
		if !job.Valid() {
			return fmt.Errorf("upload %s has no records", args[0])
		}

		if err := withBroker(ctx, func(m *natsmgr.Manager) error {
			return messaging.PublishJSON(ctx, m, messaging.SubjectEmbeddingsGenerate, job)
		}); err != nil {
			return err
		}
		p.Success("Enqueued upload %s (%d records)", job.UploadID, len(job.RecordIDs))
		return nil
	},
}

var uploadStatusCmd = &cobra.Command{
	Use:   "status <upload-id>",
	Short: "Show an upload's status and detection summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter()
		if err != nil {
			return err
		}
		prof, err := currentProfile()
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

		u, err := store.Status(ctx, args[0])
		if err != nil {
			return err
		}

		var summary struct {
			FlaggedRecords int    `json:"flagged_records"`
			FlaggedValue   string `json:"flagged_value"`
			ThreatsCreated int    `json:"threats_created"`
			Message        string `json:"message"`
		}
		if len(u.Summary) > 0 {
			if err := json.Unmarshal(u.Summary, &summary); err != nil {
				p.Warn("Could not decode summary: %v", err)
			}
		}

		return p.Render(u, func() *output.Table {
			t := output.NewTable("UPLOAD", "STATUS", "RECORDS", "FLAGGED", "VALUE", "THREATS", "MESSAGE")
			msg := summary.Message
			if u.ErrorMessage != "" {
				msg = u.ErrorMessage
			}
			t.AddRow(u.ID, string(u.Status), fmt.Sprint(u.RecordCount), fmt.Sprint(summary.FlaggedRecords),
				summary.FlaggedValue, fmt.Sprint(summary.ThreatsCreated), msg)
			return t
		})
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.AddCommand(uploadEnqueueCmd, uploadStatusCmd)
}
