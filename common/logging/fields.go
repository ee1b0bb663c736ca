package logging

import "log/slog"

// Common field names for consistent logging across services.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldSeverity  = "severity"
	FieldError     = "error"
	FieldCompanyID = "company_id"
	FieldUploadID  = "upload_id"
	FieldRecordID  = "record_id"
	FieldRuleID    = "rule_id"
	FieldWebhookID = "webhook_id"
	FieldAttempt   = "attempt"
	FieldSubject   = "subject"
	FieldDuration  = "duration_ms"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// CompanyID returns a slog attribute for the owning company.
func CompanyID(id string) slog.Attr {
	return slog.String(FieldCompanyID, id)
}

// UploadID returns a slog attribute for an upload.
func UploadID(id string) slog.Attr {
	return slog.String(FieldUploadID, id)
}

// RecordID returns a slog attribute for a transaction record.
func RecordID(id string) slog.Attr {
	return slog.String(FieldRecordID, id)
}

// RuleID returns a slog attribute for a detection rule.
func RuleID(id string) slog.Attr {
	return slog.String(FieldRuleID, id)
}

// WebhookID returns a slog attribute for a webhook subscription.
func WebhookID(id string) slog.Attr {
	return slog.String(FieldWebhookID, id)
}

// Attempt returns a slog attribute for a delivery or retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Subject returns a slog attribute for a broker subject or pub/sub channel.
func Subject(s string) slog.Attr {
	return slog.String(FieldSubject, s)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}
