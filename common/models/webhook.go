package models

import "time"

// Webhook event names.
const (
	EventThreatCreated = "threat.created"
)

// WebhookSubscription is a company's registered endpoint.
type WebhookSubscription struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscribes reports whether the subscription is active and listens for event.
func (s *WebhookSubscription) Subscribes(event string) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}
