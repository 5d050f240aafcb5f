package workflows

import (
	"context"

	"github.com/nordvang/kantine/pkg/ledger"
)

// Admin handles the kitchen's administrative actions: clearing debt and
// correcting balances.
type Admin struct {
	engine *ledger.Service
}

// NewAdmin wires the admin adapter.
func NewAdmin(engine *ledger.Service) *Admin {
	return &Admin{engine: engine}
}

// MarkPaid clears the user's debt and posts their pending purchases.
func (admin *Admin) MarkPaid(ctx context.Context, userID int64, actorID int64) (int, error) {
	return admin.engine.MarkPaid(ctx, userID, actorID)
}

// Adjust writes an arbitrary correction through the normal posting path, so
// a negative adjustment can still be rejected for insufficient credit.
func (admin *Admin) Adjust(ctx context.Context, userID int64, delta int, note string, actorID int64) (ledger.Transaction, error) {
	return admin.engine.CreatePosted(ctx, ledger.Draft{
		UserID:  userID,
		Delta:   delta,
		Kind:    ledger.KindAdjustment,
		ActorID: actorID,
		Note:    note,
	})
}

// Debtors lists accounts with outstanding debt for the dashboard.
func (admin *Admin) Debtors(ctx context.Context) ([]ledger.Account, error) {
	return admin.engine.Debtors(ctx)
}
