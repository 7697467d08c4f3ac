package rules

import (
	"context"

	"github.com/google/uuid"
	"github.com/stackwatch/stackwatch/pkg/events"
	"github.com/stackwatch/stackwatch/pkg/storage"
	"github.com/stackwatch/stackwatch/pkg/types"
)

// Service handles rule-management commands. Every mutation invalidates the
// index so the next matcher lookup sees a fresh snapshot. Version conflicts
// from optimistic locking propagate to the caller for a command-level
// retry.
type Service struct {
	store  *storage.Store
	index  *Index
	broker *events.Broker
}

// NewService creates a rule service.
func NewService(store *storage.Store, index *Index, broker *events.Broker) *Service {
	return &Service{store: store, index: index, broker: broker}
}

// Create inserts a new rule.
func (s *Service) Create(ctx context.Context, r *types.AlertRule) error {
	if err := storage.CreateRule(ctx, s.store.DB(), r); err != nil {
		return err
	}
	s.mutated()
	return nil
}

// Update updates a rule under optimistic locking.
func (s *Service) Update(ctx context.Context, r *types.AlertRule) error {
	if err := storage.UpdateRule(ctx, s.store.DB(), r); err != nil {
		return err
	}
	s.mutated()
	return nil
}

// SetActive activates or deactivates a rule.
func (s *Service) SetActive(ctx context.Context, id int64, active bool, version int64) error {
	if err := storage.SetRuleActive(ctx, s.store.DB(), id, active, version); err != nil {
		return err
	}
	s.mutated()
	return nil
}

// Delete removes a rule.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := storage.DeleteRule(ctx, s.store.DB(), id); err != nil {
		return err
	}
	s.mutated()
	return nil
}

// Get fetches a rule by id.
func (s *Service) Get(ctx context.Context, id int64) (*types.AlertRule, error) {
	return storage.GetRule(ctx, s.store.DB(), id)
}

func (s *Service) mutated() {
	s.index.Invalidate()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			ID:   uuid.NewString(),
			Type: events.EventRulesChanged,
		})
	}
}
