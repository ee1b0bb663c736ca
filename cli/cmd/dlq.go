package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/leakhawk/leakhawk-stack/cli/pkg/output"
	natsmgr "github.com/leakhawk/leakhawk-stack/common/messaging/nats"
	"github.com/spf13/cobra"
)

var (
	dlqLimit int
	dlqYes   bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered webhook deliveries",
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter stream counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBroker(ctx, func(m *natsmgr.Manager) error {
			stats, err := natsmgr.NewDeadLetters(m).Stats(ctx)
			if err != nil {
				return err
			}
			return p.Render(stats, func() *output.Table {
				t := output.NewTable("MESSAGES", "BYTES", "FIRST SEQ", "LAST SEQ", "OLDEST")
				oldest := "-"
				if stats.Messages > 0 {
					oldest = stats.FirstTime.Format(time.RFC3339)
				}
				t.AddRow(fmt.Sprint(stats.Messages), fmt.Sprint(stats.Bytes),
					fmt.Sprint(stats.FirstSeq), fmt.Sprint(stats.LastSeq), oldest)
				return t
			})
		})
	},
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBroker(ctx, func(m *natsmgr.Manager) error {
			letters, err := natsmgr.NewDeadLetters(m).List(ctx, dlqLimit)
			if err != nil {
				return err
			}
			if len(letters) == 0 && p.Format == output.FormatTable {
				p.Info("Dead-letter queue is empty")
				return nil
			}
			return p.Render(letters, func() *output.Table {
				t := output.NewTable("SEQ", "WEBHOOK", "COMPANY", "EVENT", "ATTEMPTS", "CODE", "FAILED AT")
				for _, l := range letters {
					t.AddRow(fmt.Sprint(l.Sequence), l.Delivery.WebhookID, l.Delivery.CompanyID,
						l.Delivery.Event, strconv.Itoa(l.FinalAttempt), l.ErrorCode,
						l.Timestamp.Format(time.RFC3339))
				}
				return t
			})
		})
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <sequence>",
	Short: "Requeue one dead letter as a fresh first attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := parseSequence(args[0])
		if err != nil {
			return err
		}
		p, err := newPrinter()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBroker(ctx, func(m *natsmgr.Manager) error {
			d, err := natsmgr.NewDeadLetters(m).Replay(ctx, seq)
			if err != nil {
				return err
			}
			p.Success("Replayed dead letter %d (delivery %s to webhook %s)", seq, d.ID, d.WebhookID)
			return nil
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead letter",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter()
		if err != nil {
			return err
		}
		if !dlqYes {
			return fmt.Errorf("refusing to purge without --yes")
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBroker(ctx, func(m *natsmgr.Manager) error {
			if err := natsmgr.NewDeadLetters(m).Purge(ctx); err != nil {
				return err
			}
			p.Success("Dead-letter queue purged")
			return nil
		})
	},
}

func parseSequence(s string) (uint64, error) {
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil || seq == 0 {
		return 0, fmt.Errorf("invalid sequence %q: must be a positive integer", s)
	}
	return seq, nil
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqStatsCmd, dlqListCmd, dlqReplayCmd, dlqPurgeCmd)

	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum number of dead letters to show")
	dlqPurgeCmd.Flags().BoolVar(&dlqYes, "yes", false, "confirm the purge")
}
