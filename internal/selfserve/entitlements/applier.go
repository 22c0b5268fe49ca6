package entitlements

import (
	"context"
	"fmt"
	"time"

	"github.com/qualloop/selfserve/internal/selfserve/plans"
	"github.com/rs/zerolog/log"
)

// Applier applies entitlement deltas to a tenant in a fixed order: limit
// resets first, then the usage cycle, then usage credits, and only after
// all of those succeed the access flag. A failure before the access flip
// leaves the tenant locked rather than granting access with wrong limits.
type Applier struct {
	client Client
	now    func() time.Time
}

// NewApplier creates an entitlement applier.
func NewApplier(client Client) *Applier {
	return &Applier{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Apply applies the delta and grants access. Any step failure aborts the
// sequence and is returned; access is never flipped after a failure.
func (a *Applier) Apply(ctx context.Context, tenantID string, delta plans.Delta) error {
	anchor := a.now()

	if len(delta.LimitResets) > 0 {
		if err := a.client.SetLimits(ctx, tenantID, delta.LimitResets); err != nil {
			return fmt.Errorf("set limits: %w", err)
		}
	}

	cycle := Cycle{Period: delta.Cycle, Anchor: anchor}
	if err := a.client.SetUsageCycle(ctx, tenantID, cycle); err != nil {
		return fmt.Errorf("set usage cycle: %w", err)
	}

	if err := a.client.AdjustUsage(ctx, tenantID, delta.Adjustments); err != nil {
		return fmt.Errorf("adjust usage: %w", err)
	}

	if err := a.client.SetAccess(ctx, tenantID, true); err != nil {
		return fmt.Errorf("set access: %w", err)
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("plan_id", delta.PlanID).
		Str("cycle", string(delta.Cycle)).
		Msg("entitlements applied")
	return nil
}
