package models

import "time"

// RuleID identifies the detection rule that produced a threat.
type RuleID string

const (
	RuleDupInBatchTxID      RuleID = "DUP_IN_BATCH__TXID"
	RuleDupInBatchCanonical RuleID = "DUP_IN_BATCH__CANONICAL"
	RuleDupInDBTxID         RuleID = "DUP_IN_DB__TXID"
	RuleDupInDBCanonical    RuleID = "DUP_IN_DB__CANONICAL"
	RuleSimilarLocal        RuleID = "SIMILAR_LOCAL"
	RuleSimilarGlobal       RuleID = "SIMILAR_GLOBAL"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ThreatStatus is the review state of a threat. The detection pipeline only writes ThreatOpen.
type ThreatStatus string

const (
	ThreatOpen          ThreatStatus = "open"
	ThreatAcknowledged  ThreatStatus = "acknowledged"
	ThreatResolved      ThreatStatus = "resolved"
	ThreatFalsePositive ThreatStatus = "false_positive"
)

// RuleSpec carries the fixed confidence and severity of a duplicate rule.
// Similarity rules derive both from the match score instead.
type RuleSpec struct {
	Title      string
	Confidence float64
	Severity   Severity
}

// Rules is the catalogue of detection rules.
var Rules = map[RuleID]RuleSpec{
	RuleDupInBatchTxID:      {Title: "Duplicate transaction ID in upload", Confidence: 0.97, Severity: SeverityHigh},
	RuleDupInBatchCanonical: {Title: "Duplicate payment in upload", Confidence: 0.93, Severity: SeverityMedium},
	RuleDupInDBTxID:         {Title: "Transaction ID seen in an earlier upload", Confidence: 0.98, Severity: SeverityCritical},
	RuleDupInDBCanonical:    {Title: "Payment seen in an earlier upload", Confidence: 0.95, Severity: SeverityHigh},
	RuleSimilarLocal:        {Title: "Near-duplicate of an earlier transaction", Severity: SeverityMedium},
	RuleSimilarGlobal:       {Title: "Matches a suspicious pattern seen elsewhere", Severity: SeverityLow},
}

// Threat is one detected leak, anchored on a single record.
type Threat struct {
	ID              string         `json:"id"`
	CompanyID       string         `json:"company_id"`
	UploadID        string         `json:"upload_id"`
	RecordID        string         `json:"record_id"`
	ThreatType      RuleID         `json:"threat_type"`
	ConfidenceScore float64        `json:"confidence_score"`
	Description     string         `json:"description"`
	Status          ThreatStatus   `json:"status"`
	Metadata        ThreatMetadata `json:"metadata,omitempty"`
	// Explanation is attached later by reviewers; never written here.
	Explanation *string   `json:"explanation,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Alert is created 1:1 with each threat.
type Alert struct {
	ID        string         `json:"id"`
	CompanyID string         `json:"company_id"`
	RecordID  string         `json:"record_id"`
	ThreatID  string         `json:"threat_id"`
	Severity  Severity       `json:"severity"`
	Title     string         `json:"title"`
	Summary   string         `json:"summary"`
	Payload   map[string]any `json:"payload,omitempty"`
	Delivered bool           `json:"delivered"`
	CreatedAt time.Time      `json:"created_at"`
}
