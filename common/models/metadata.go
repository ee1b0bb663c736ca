package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// KeyType names which duplicate key grouped the records.
type KeyType string

const (
	KeyTxID      KeyType = "txid"
	KeyCanonical KeyType = "canonical"
)

// SimilarityTier distinguishes same-company matches from cross-company ones.
type SimilarityTier string

const (
	TierLocal  SimilarityTier = "local"
	TierGlobal SimilarityTier = "global"
)

// ThreatMetadata is the rule-specific payload stored with a threat. The
// concrete types are BatchDuplicateMeta, HistoricalDuplicateMeta and
// SimilarityMeta.
type ThreatMetadata interface {
	Rule() RuleID
	isThreatMetadata()
}

// BatchDuplicateMeta describes a cluster found inside one upload.
type BatchDuplicateMeta struct {
	RuleID           RuleID          `json:"rule_id"`
	KeyType          KeyType         `json:"key_type"`
	Key              string          `json:"key"`
	AnchorRecordID   string          `json:"anchor_record_id"`
	FlaggedRecordIDs []string        `json:"flagged_record_ids"`
	ClusterSize      int             `json:"cluster_size"`
	Currency         string          `json:"currency"`
	ImpactedValue    decimal.Decimal `json:"impacted_value"`
}

// HistoricalDuplicateMeta describes a record that matches earlier uploads.
type HistoricalDuplicateMeta struct {
	RuleID           RuleID   `json:"rule_id"`
	KeyType          KeyType  `json:"key_type"`
	Key              string   `json:"key"`
	MatchedRecordIDs []string `json:"matched_record_ids"`
	MatchedUploadIDs []string `json:"matched_upload_ids"`
}

// SimilarityMeta describes a nearest-neighbour hit. Global matches never
// carry the other company's identifiers.
type SimilarityMeta struct {
	RuleID          RuleID         `json:"rule_id"`
	Tier            SimilarityTier `json:"tier"`
	Score           float64        `json:"score"`
	MatchedRecordID string         `json:"matched_record_id,omitempty"`
	MatchedUploadID string         `json:"matched_upload_id,omitempty"`
}

func (m BatchDuplicateMeta) Rule() RuleID      { return m.RuleID }
func (m HistoricalDuplicateMeta) Rule() RuleID { return m.RuleID }
func (m SimilarityMeta) Rule() RuleID          { return m.RuleID }

func (BatchDuplicateMeta) isThreatMetadata()      {}
func (HistoricalDuplicateMeta) isThreatMetadata() {}
func (SimilarityMeta) isThreatMetadata()          {}

type metadataEnvelope struct {
	Rule RuleID          `json:"rule"`
	Data json.RawMessage `json:"data"`
}

// EncodeMetadata serializes metadata with a rule discriminator so it can be
// decoded back into its concrete type.
func EncodeMetadata(m ThreatMetadata) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s metadata: %w", m.Rule(), err)
	}
	return json.Marshal(metadataEnvelope{Rule: m.Rule(), Data: data})
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(b []byte) (ThreatMetadata, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata envelope: %w", err)
	}

	var (
		m   ThreatMetadata
		err error
	)
	switch env.Rule {
	case RuleDupInBatchTxID, RuleDupInBatchCanonical:
		var v BatchDuplicateMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	case RuleDupInDBTxID, RuleDupInDBCanonical:
		var v HistoricalDuplicateMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	case RuleSimilarLocal, RuleSimilarGlobal:
		var v SimilarityMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown metadata rule %q", env.Rule)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s metadata: %w", env.Rule, err)
	}
	return m, nil
}
