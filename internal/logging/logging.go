package logging

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger: production JSON output, or the
// human-readable development encoder when development is set.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// OperationLogger writes ledger.OperationLog entries through zap.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger adapts logger; a nil logger discards everything.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("ledger")}
}

func (adapter *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.ActionType.IsZero() {
		fields = append(fields, zap.String("action_type", entry.ActionType.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if !entry.Reference.IsZero() {
		fields = append(fields, zap.String("reference", entry.Reference.String()))
	}
	if entry.Subject != "" {
		fields = append(fields, zap.String("subject", entry.Subject))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		if code, ok := operationCode(entry.Error); ok {
			fields = append(fields, zap.String("error_code", code))
		}
	}
	adapter.logger.Check(levelFor(entry), "wallet operation").Write(fields...)
}

// levelFor keeps routine traffic at debug and escalates failures. A failed
// commit means a protected operation ran without being charged.
func levelFor(entry ledger.OperationLog) zapcore.Level {
	if entry.Error == nil {
		if entry.Operation == ledger.OperationCheck {
			return zapcore.DebugLevel
		}
		return zapcore.InfoLevel
	}
	if entry.Operation == ledger.OperationCommit {
		return zapcore.ErrorLevel
	}
	return zapcore.WarnLevel
}

func operationCode(err error) (string, bool) {
	var operationError ledger.OperationError
	if !errors.As(err, &operationError) {
		return "", false
	}
	return operationError.Operation() + "." + operationError.Subject() + "." + operationError.Code(), true
}
