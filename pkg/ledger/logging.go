package ledger

import "context"

// OperationLogger records domain-level events emitted by service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing or gating operation.
type OperationLog struct {
	Operation  string
	UserID     UserID
	ActionType ActionType
	Amount     Credits
	Reference  Reference
	Subject    string
	Status     string
	Error      error
}

// ChainLoggers fans one operation out to several loggers, skipping nil ones.
func ChainLoggers(loggers ...OperationLogger) OperationLogger {
	chained := make(chainLogger, 0, len(loggers))
	for _, logger := range loggers {
		if logger != nil {
			chained = append(chained, logger)
		}
	}
	return chained
}

type chainLogger []OperationLogger

func (loggers chainLogger) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		logger.LogOperation(ctx, entry)
	}
}

func logOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = StatusError
		} else {
			entry.Status = StatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
