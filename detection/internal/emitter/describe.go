package emitter

import (
	"fmt"
	"strings"

	"github.com/leakhawk/leakhawk-stack/common/models"
)

// Describe renders the threat description for a finding. Output depends only
// on the request.
func Describe(req Request) string {
	anchor := req.Records[0]
	switch m := req.Meta.(type) {
	case models.BatchDuplicateMeta:
		noun := "canonical payment key"
		if m.KeyType == models.KeyTxID {
			noun = fmt.Sprintf("transaction ID %q", m.Key)
		}
		return fmt.Sprintf("%d records in this upload share %s with record %s; %d later %s flagged totalling %s %s.",
			m.ClusterSize, noun, m.AnchorRecordID, len(m.FlaggedRecordIDs),
			plural(len(m.FlaggedRecordIDs), "copy", "copies"), m.ImpactedValue.StringFixed(2), m.Currency)

	case models.HistoricalDuplicateMeta:
		noun := "the same partner, amount and time window"
		if m.KeyType == models.KeyTxID {
			noun = fmt.Sprintf("transaction ID %q", m.Key)
		}
		return fmt.Sprintf("Record %s (%s) matches %d %s from earlier uploads by %s.",
			anchor.ID, amountText(anchor), len(m.MatchedRecordIDs),
			plural(len(m.MatchedRecordIDs), "record", "records"), noun)

	case models.SimilarityMeta:
		if m.Tier == models.TierLocal {
			return fmt.Sprintf("Record %s (%s) is %.1f%% similar to record %s from an earlier upload.",
				anchor.ID, amountText(anchor), m.Score*100, m.MatchedRecordID)
		}
		return fmt.Sprintf("Record %s (%s) is %.1f%% similar to a transaction flagged at another organisation.",
			anchor.ID, amountText(anchor), m.Score*100)
	}

	return fmt.Sprintf("%s: record %s.", models.Rules[req.Rule].Title, anchor.ID)
}

func amountText(r models.Record) string {
	parts := make([]string, 0, 3)
	if r.Amount != nil {
		parts = append(parts, r.Amount.StringFixed(2))
	}
	if r.NormalizedCurrency != "" {
		parts = append(parts, r.NormalizedCurrency)
	}
	if r.NormalizedPartner != "" {
		parts = append(parts, "to "+r.NormalizedPartner)
	}
	if len(parts) == 0 {
		return "no amount"
	}
	return strings.Join(parts, " ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
