package ledger

const (
	operationCreatePending = "create_pending"
	operationCreatePosted  = "create_posted"
	operationPost          = "post"
	operationCancel        = "cancel"
	operationPurchase      = "credit_purchase"
	operationMarkPaid      = "mark_paid"
	operationCapture       = "complete_capture"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultDebtCeilingDKK is the cumulative debt a user may carry before
	// further purchases are blocked.
	DefaultDebtCeilingDKK = 110
)
