// Package quota enforces per-workspace query quotas on top of the
// subscription row. All mutations go through the store's serialized
// subscription mutation, so concurrent reservations against the last
// remaining unit admit exactly one winner.
package quota

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// Manager reserves and refunds query quota. The scheme is reserve-before,
// refund-on-infrastructure-failure: a query that reaches the generator is
// charged even when it finds no results.
type Manager struct {
	store store.SubscriptionStore
	now   func() time.Time
}

// NewManager creates a quota manager.
func NewManager(s store.SubscriptionStore) *Manager {
	return &Manager{store: s, now: time.Now}
}

// WithClock overrides the clock for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Reserve takes one unit of query quota. QuotaExceeded when the period
// budget is spent; PermissionDenied when the subscription cannot serve
// queries at all.
func (m *Manager) Reserve(ctx context.Context, workspaceID string) error {
	return m.store.MutateSubscription(ctx, workspaceID, func(sub *models.Subscription) error {
		if !usable(sub.Status) {
			return fault.New(fault.PermissionDenied, "subscription %s cannot serve queries", sub.Status)
		}
		m.rollover(sub)
		if sub.MonthlyQueryQuota != nil && sub.QueriesThisPeriod >= *sub.MonthlyQueryQuota {
			return fault.New(fault.QuotaExceeded, "query quota exhausted for period ending %s",
				sub.PeriodEnd.Format(time.RFC3339))
		}
		sub.QueriesThisPeriod++
		return nil
	})
}

// Refund returns one unit after an infrastructure failure so the tenant is
// not charged for an answer they never got. Refunds never cross a period
// boundary: after a rollover the unit is simply gone.
func (m *Manager) Refund(ctx context.Context, workspaceID string) {
	err := m.store.MutateSubscription(ctx, workspaceID, func(sub *models.Subscription) error {
		now := m.now()
		if now.Before(sub.PeriodStart) || !now.Before(sub.PeriodEnd) {
			return nil
		}
		if sub.QueriesThisPeriod > 0 {
			sub.QueriesThisPeriod--
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("workspace", workspaceID).Msg("Quota refund failed")
	}
}

// Usage reports the current period state, applying any pending rollover so
// the numbers shown match what Reserve would see.
func (m *Manager) Usage(ctx context.Context, workspaceID string) (*models.Subscription, error) {
	var out *models.Subscription
	err := m.store.MutateSubscription(ctx, workspaceID, func(sub *models.Subscription) error {
		m.rollover(sub)
		cp := *sub
		out = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rollover advances the billing window when the current one has lapsed.
// Skipped windows collapse into one step to the window containing now.
func (m *Manager) rollover(sub *models.Subscription) {
	now := m.now()
	if now.Before(sub.PeriodEnd) {
		return
	}
	for !now.Before(sub.PeriodEnd) {
		sub.PeriodStart = sub.PeriodEnd
		sub.PeriodEnd = sub.PeriodEnd.Add(models.PeriodLength)
	}
	sub.QueriesThisPeriod = 0
}

func usable(status models.SubscriptionStatus) bool {
	switch status {
	case models.SubscriptionActive, models.SubscriptionTrialing, models.SubscriptionPastDue:
		return true
	default:
		return false
	}
}
