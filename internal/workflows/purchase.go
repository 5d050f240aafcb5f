package workflows

import (
	"context"
	"fmt"

	"github.com/nordvang/kantine/pkg/ledger"
)

const (
	couponSource = "purchase:web"

	// DefaultCouponClipPriceDKK is what one clip costs when bought on credit.
	DefaultCouponClipPriceDKK = 22
)

// DefaultClipCounts are the purchase sizes the kitchen sells.
var DefaultClipCounts = []int{1, 5}

// ErrInvalidClipCount rejects purchase sizes the kitchen does not sell.
var ErrInvalidClipCount = fmt.Errorf("invalid clip count")

// Purchases handles coupon purchases: clips are granted immediately, the
// DKK cost lands on the user's debt counter, and the ledger row stays
// pending until the kitchen marks the user as paid.
type Purchases struct {
	engine       *ledger.Service
	clipPriceDKK int
	clipCounts   []int
}

// NewPurchases wires the coupon purchase adapter.
func NewPurchases(engine *ledger.Service, clipPriceDKK int, clipCounts []int) *Purchases {
	if clipPriceDKK <= 0 {
		clipPriceDKK = DefaultCouponClipPriceDKK
	}
	if len(clipCounts) == 0 {
		clipCounts = DefaultClipCounts
	}
	return &Purchases{engine: engine, clipPriceDKK: clipPriceDKK, clipCounts: clipCounts}
}

// ClipPriceDKK exposes the configured price for display.
func (purchases *Purchases) ClipPriceDKK() int {
	return purchases.clipPriceDKK
}

// Buy runs one coupon purchase through the debt policy and the engine.
func (purchases *Purchases) Buy(ctx context.Context, userID int64, clips int) (ledger.Transaction, error) {
	if !purchases.allowed(clips) {
		return ledger.Transaction{}, fmt.Errorf("%w: %d", ErrInvalidClipCount, clips)
	}
	costDKK := clips * purchases.clipPriceDKK
	note := fmt.Sprintf("Køb af %d klip (DKK %d)", clips, costDKK)
	return purchases.engine.CreditPurchase(ctx, userID, clips, costDKK, couponSource, note, userID)
}

func (purchases *Purchases) allowed(clips int) bool {
	for _, count := range purchases.clipCounts {
		if clips == count {
			return true
		}
	}
	return false
}
