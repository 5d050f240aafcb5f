package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nordvang/kantine/internal/vipps"
	"github.com/nordvang/kantine/pkg/ledger"
)

const (
	// MobilePaySourcePrefix tags gateway transactions; the suffix is the
	// payment reference.
	MobilePaySourcePrefix = "mobilepay:"

	// DefaultGatewayClipPriceDKK is what one clip costs when paid up front.
	DefaultGatewayClipPriceDKK = 24

	referenceSuffixLength = 8
)

// PaymentClient is the slice of the gateway API the workflow needs.
type PaymentClient interface {
	CreatePayment(ctx context.Context, request vipps.CreatePaymentRequest) (vipps.CreatePaymentResult, error)
	GetPayment(ctx context.Context, reference string) (vipps.Payment, error)
	CapturePayment(ctx context.Context, reference string, amountOre int64) error
	CancelPayment(ctx context.Context, reference string) error
}

// PaymentState is the workflow-level view of a payment poll.
type PaymentState string

const (
	PaymentCompleted PaymentState = "completed"
	PaymentPending   PaymentState = "pending"
	PaymentCancelled PaymentState = "cancelled"
	PaymentUnknown   PaymentState = "unknown"
)

// StatusResult reports what a poll did.
type StatusResult struct {
	State        PaymentState
	ClipsGranted int
	Outcome      ledger.OutcomeCode
}

// Gateway handles the payment-gateway purchase flow: a pending transaction
// with a zero delta carries the payment reference; the capture confirmation
// fills in the purchased delta and posts it. No credit moves before capture.
type Gateway struct {
	engine       *ledger.Service
	client       PaymentClient
	clipPriceDKK int
	returnURL    string
}

// NewGateway wires the gateway adapter.
func NewGateway(engine *ledger.Service, client PaymentClient, clipPriceDKK int, returnURL string) *Gateway {
	if clipPriceDKK <= 0 {
		clipPriceDKK = DefaultGatewayClipPriceDKK
	}
	return &Gateway{engine: engine, client: client, clipPriceDKK: clipPriceDKK, returnURL: returnURL}
}

// Initiate creates the pending transaction and registers the payment with
// the gateway. If the gateway call fails the transaction is canceled before
// the error is surfaced, so nothing is left in flight.
func (gateway *Gateway) Initiate(ctx context.Context, userID int64, clips int) (redirectURL string, reference string, err error) {
	if clips <= 0 {
		return "", "", fmt.Errorf("%w: %d", ErrInvalidClipCount, clips)
	}
	totalDKK := clips * gateway.clipPriceDKK
	amountOre := int64(totalDKK) * 100
	reference = newReference(userID)

	record, err := gateway.engine.CreatePending(ctx, ledger.Draft{
		UserID:    userID,
		Delta:     0, // granted at capture
		Kind:      ledger.KindPurchase,
		AmountOre: &amountOre,
		Source:    MobilePaySourcePrefix + reference,
		ActorID:   userID,
		Note:      fmt.Sprintf("MobilePay køb af %d klip - venter på betaling", clips),
	})
	if err != nil {
		return "", "", err
	}

	result, err := gateway.client.CreatePayment(ctx, vipps.CreatePaymentRequest{
		Reference:   reference,
		AmountOre:   amountOre,
		Description: fmt.Sprintf("%d klip til madordning", clips),
		ReturnURL:   gateway.returnURL,
	})
	if err != nil {
		if _, cancelErr := gateway.engine.Cancel(ctx, record.ID); cancelErr != nil {
			return "", "", fmt.Errorf("cancel after gateway failure: %v: %w", cancelErr, err)
		}
		return "", "", err
	}
	return result.RedirectURL, reference, nil
}

// Recover finds the user's most recent in-flight gateway transaction, for
// the return-from-gateway redirect that arrives without a reference.
func (gateway *Gateway) Recover(ctx context.Context, userID int64) (*ledger.Transaction, error) {
	return gateway.engine.FindPendingBySourcePrefix(ctx, userID, MobilePaySourcePrefix)
}

// Status polls the gateway and finalizes the purchase when the payment is
// authorized: capture at the gateway, then fill in the purchased delta and
// post. A repeated confirmation for an already-posted transaction grants
// nothing further.
func (gateway *Gateway) Status(ctx context.Context, userID int64, reference string) (StatusResult, error) {
	payment, err := gateway.client.GetPayment(ctx, reference)
	if err != nil {
		return StatusResult{}, err
	}
	switch payment.State {
	case vipps.StateAuthorized:
		return gateway.finalize(ctx, userID, reference)
	case vipps.StateAborted, vipps.StateTerminated:
		if record, err := gateway.engine.FindPendingBySourcePrefix(ctx, userID, MobilePaySourcePrefix+reference); err == nil && record != nil {
			if _, err := gateway.engine.Cancel(ctx, record.ID); err != nil {
				return StatusResult{}, err
			}
		}
		return StatusResult{State: PaymentCancelled}, nil
	case vipps.StateCreated:
		return StatusResult{State: PaymentPending}, nil
	}
	return StatusResult{State: PaymentUnknown}, nil
}

func (gateway *Gateway) finalize(ctx context.Context, userID int64, reference string) (StatusResult, error) {
	if err := gateway.client.CapturePayment(ctx, reference, 0); err != nil {
		return StatusResult{}, err
	}
	record, err := gateway.engine.FindPendingBySourcePrefix(ctx, userID, MobilePaySourcePrefix+reference)
	if err != nil {
		return StatusResult{}, err
	}
	if record == nil {
		// A previous confirmation already finalized this reference.
		return StatusResult{State: PaymentCompleted, Outcome: ledger.OutcomeAlreadyPosted}, nil
	}
	clips := gateway.clipsFor(record)
	if clips <= 0 {
		return StatusResult{}, fmt.Errorf("gateway transaction %d has no derivable clip count", record.ID)
	}
	payload, err := json.Marshal(payment{Reference: reference, State: vipps.StateAuthorized, AmountOre: amountOreOf(record)})
	if err != nil {
		return StatusResult{}, err
	}
	note := fmt.Sprintf("MobilePay betaling gennemført - %d klip", clips)
	outcome, err := gateway.engine.CompleteCapture(ctx, record.ID, clips, note, payload)
	if err != nil {
		return StatusResult{}, err
	}
	granted := 0
	if outcome.Applied() {
		granted = clips
	}
	return StatusResult{State: PaymentCompleted, ClipsGranted: granted, Outcome: outcome.Code}, nil
}

func (gateway *Gateway) clipsFor(record *ledger.Transaction) int {
	if record.AmountOre == nil {
		return 0
	}
	return int(*record.AmountOre/100) / gateway.clipPriceDKK
}

type payment struct {
	Reference string `json:"reference"`
	State     string `json:"state"`
	AmountOre int64  `json:"amount_ore"`
}

func amountOreOf(record *ledger.Transaction) int64 {
	if record.AmountOre == nil {
		return 0
	}
	return *record.AmountOre
}

func newReference(userID int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:referenceSuffixLength]
	return fmt.Sprintf("kantine-%d-%s", userID, suffix)
}
