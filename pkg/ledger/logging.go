package ledger

import (
	"context"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	UserID        int64
	TransactionID int64
	Delta         int
	Kind          Kind
	Source        string
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithDebtPolicy overrides the default debt policy.
func WithDebtPolicy(policy DebtPolicy) ServiceOption {
	return func(service *Service) {
		service.debtPolicy = policy
	}
}

// ZapOperationLogger adapts a zap logger to the OperationLogger contract.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps the supplied zap logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation emits one structured line per ledger operation.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	if operationLogger.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.Int64("user_id", entry.UserID),
		zap.String("status", entry.Status),
	}
	if entry.TransactionID != 0 {
		fields = append(fields, zap.Int64("transaction_id", entry.TransactionID))
	}
	if entry.Delta != 0 {
		fields = append(fields, zap.Int("delta", entry.Delta))
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", entry.Kind.String()))
	}
	if entry.Source != "" {
		fields = append(fields, zap.String("source", entry.Source))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
