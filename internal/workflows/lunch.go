// Package workflows contains the adapters that drive the posting engine:
// lunch registration spends, coupon purchases, payment-gateway purchases,
// and admin actions. Every balance effect goes through the engine; no
// adapter touches the store directly.
package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/nordvang/kantine/pkg/ledger"
)

const (
	lunchSourcePrefix = "lunch:"
	lunchDateLayout   = "2006-01-02"
)

// Lunch handles the spend-on-registration flow: one clip per lunch, posted
// immediately, refunded in full on cancellation.
type Lunch struct {
	engine *ledger.Service
}

// NewLunch wires the lunch adapter.
func NewLunch(engine *ledger.Service) *Lunch {
	return &Lunch{engine: engine}
}

// Register spends one clip for the given day. Fails with InsufficientCredit
// when the user has no clips; nothing is recorded in that case.
func (lunch *Lunch) Register(ctx context.Context, userID int64, day time.Time, actorID int64) (ledger.Transaction, error) {
	return lunch.engine.CreatePosted(ctx, ledger.Draft{
		UserID:  userID,
		Delta:   -1,
		Kind:    ledger.KindSpend,
		Source:  lunchSource(day),
		ActorID: actorID,
		Note:    fmt.Sprintf("Frokost %s", day.Format(lunchDateLayout)),
	})
}

// CancelRegistration restores the clip spent on the given day with a
// matching refund entry.
func (lunch *Lunch) CancelRegistration(ctx context.Context, userID int64, day time.Time, actorID int64) (ledger.Transaction, error) {
	return lunch.engine.CreatePosted(ctx, ledger.Draft{
		UserID:        userID,
		Delta:         1,
		Kind:          ledger.KindRefund,
		Source:        lunchSource(day),
		ActorID:       actorID,
		Note:          fmt.Sprintf("Afmeldt frokost %s", day.Format(lunchDateLayout)),
		AllowNegative: true,
	})
}

func lunchSource(day time.Time) string {
	return lunchSourcePrefix + day.Format(lunchDateLayout)
}
