package httpapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/svitloshop/bonusledger/pkg/bonus"
)

// ZapOperationLogger forwards domain operation events to a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger as a bonus.OperationLogger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation writes one structured record per domain operation.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry bonus.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("client_id", entry.ClientRef),
		zap.Int64("amount", entry.Amount),
	}
	if entry.OrderRef != "" {
		fields = append(fields, zap.String("order_id", entry.OrderRef))
	}
	if entry.LeadRef != "" {
		fields = append(fields, zap.String("lead_id", entry.LeadRef))
	}
	if entry.Duplicate {
		fields = append(fields, zap.Bool("duplicate", true))
	}
	if !entry.HistoryUpdated {
		fields = append(fields, zap.Bool("history_updated", false))
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Error("bonus operation failed", fields...)
		return
	}
	if entry.Status == "degraded" {
		operationLogger.logger.Warn("bonus operation degraded", fields...)
		return
	}
	operationLogger.logger.Info("bonus operation", fields...)
}
