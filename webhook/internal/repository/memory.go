package repository

import (
	"context"
	"sync"

	"github.com/leakhawk/leakhawk-stack/common/models"
)

// InMemoryRepository implements Repository in memory (for development and tests).
type InMemoryRepository struct {
	mu            sync.RWMutex
	subscriptions map[string]models.WebhookSubscription
	delivered     map[string]bool
}

// NewInMemoryRepository creates an empty in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		subscriptions: make(map[string]models.WebhookSubscription),
		delivered:     make(map[string]bool),
	}
}

func (r *InMemoryRepository) Close() {}

// AddSubscription stores or replaces a subscription.
func (r *InMemoryRepository) AddSubscription(s models.WebhookSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[s.ID] = s
}

// AddAlert registers an undelivered alert id.
func (r *InMemoryRepository) AddAlert(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[id] = false
}

// Delivered reports the alert's delivered flag.
func (r *InMemoryRepository) Delivered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.delivered[id]
}

func (r *InMemoryRepository) GetSubscription(_ context.Context, id string) (*models.WebhookSubscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Events = append([]string(nil), s.Events...)
	return &s, nil
}

func (r *InMemoryRepository) MarkAlertDelivered(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.delivered[id]; !ok {
		return ErrNotFound
	}
	r.delivered[id] = true
	return nil
}
