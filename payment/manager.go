// Package payment provides the reference payment manager: it groups the
// approved cash entitlements of a cycle into payment batches.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/cycle-engine/cycle"
)

// DefaultBatchSize is the number of payments per batch.
const DefaultBatchSize = 500

// Manager creates one issued payment per approved entitlement that has no
// payment yet, BatchSize payments per batch.
type Manager struct {
	BatchSize int
	Now       func() time.Time
	NewID     func() string
}

// NewManager creates a manager with DefaultBatchSize.
func NewManager() *Manager {
	return &Manager{BatchSize: DefaultBatchSize, Now: time.Now, NewID: uuid.NewString}
}

// PreparePayments batches the unpaid approved cash entitlements of c.
func (m *Manager) PreparePayments(ctx context.Context, store cycle.Store, c cycle.Cycle) ([]cycle.PaymentBatchID, error) {
	approved, err := store.ListEntitlements(ctx, c.ID(), cycle.EntitlementQuery{
		States: []cycle.EntitlementState{cycle.EntitlementApproved},
		Kind:   cycle.KindCash,
		Order:  "id",
	})
	if err != nil {
		return nil, fmt.Errorf("list approved entitlements: %w", err)
	}

	paid, err := store.ListPayments(ctx, c.ID())
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	hasPayment := make(map[cycle.EntitlementID]bool, len(paid))
	for _, p := range paid {
		hasPayment[p.EntitlementID] = true
	}

	var unpaid []cycle.Entitlement
	for _, e := range approved {
		if !hasPayment[e.ID] {
			unpaid = append(unpaid, e)
		}
	}

	size := m.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	existing, err := store.ListPaymentBatches(ctx, c.ID())
	if err != nil {
		return nil, fmt.Errorf("list payment batches: %w", err)
	}

	var ids []cycle.PaymentBatchID
	for start := 0; start < len(unpaid); start += size {
		ents := unpaid[start:min(start+size, len(unpaid))]
		batch := cycle.PaymentBatch{
			ID:        cycle.PaymentBatchID(m.NewID()),
			CycleID:   c.ID(),
			Name:      fmt.Sprintf("%s - Batch %d", c.Name(), len(existing)+len(ids)+1),
			CreatedAt: m.Now().UTC(),
		}
		payments := make([]cycle.Payment, len(ents))
		for i, e := range ents {
			payments[i] = cycle.Payment{
				ID:            cycle.PaymentID(m.NewID()),
				BatchID:       batch.ID,
				CycleID:       c.ID(),
				EntitlementID: e.ID,
				PartnerID:     e.PartnerID,
				Amount:        e.Balance(),
				Currency:      e.Currency,
				State:         cycle.PaymentIssued,
			}
		}
		if err := store.SavePaymentBatch(ctx, batch, payments); err != nil {
			return nil, fmt.Errorf("save payment batch: %w", err)
		}
		ids = append(ids, batch.ID)
	}
	return ids, nil
}

var _ cycle.PaymentManager = (*Manager)(nil)
