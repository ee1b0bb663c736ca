// Package repository provides webhook subscription lookup for the delivery
// service.
package repository

import (
	"context"
	"errors"

	"github.com/leakhawk/leakhawk-stack/common/models"
)

// ErrNotFound is returned when a subscription or alert does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for webhook data access.
type Repository interface {
	GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
	MarkAlertDelivered(ctx context.Context, alertID string) error
	Close()
}
