package logger

import (
	"time"
)

// OperationLogger logs the steps of one run with timing
type OperationLogger struct {
	logger    Logger
	operation string
	fields    Fields
	startTime time.Time
	stepStart time.Time
	step      string
	durations map[string]time.Duration
}

// NewOperationLogger creates a new operation logger
func NewOperationLogger(operation string, logger Logger) *OperationLogger {
	if logger == nil {
		logger = GetGlobalLogger()
	}

	now := time.Now()
	ol := &OperationLogger{
		logger:    logger,
		operation: operation,
		fields:    Fields{"operation": operation},
		startTime: now,
		stepStart: now,
		durations: make(map[string]time.Duration),
	}

	ol.logger.WithFields(ol.fields).Debug("Starting operation")
	return ol
}

// WithField adds a field to every subsequent log line
func (ol *OperationLogger) WithField(key string, value interface{}) *OperationLogger {
	ol.fields[key] = value
	return ol
}

// Step closes the previous step, if any, and starts a new one.
func (ol *OperationLogger) Step(step string) {
	ol.closeStep()
	ol.step = step
	ol.stepStart = time.Now()
	ol.entry().WithField("step", step).Debug("Operation step")
}

func (ol *OperationLogger) closeStep() {
	if ol.step == "" {
		return
	}
	ol.durations[ol.step] = time.Since(ol.stepStart)
	ol.step = ""
}

// Durations returns the elapsed time of every finished step
func (ol *OperationLogger) Durations() map[string]time.Duration {
	ol.closeStep()
	out := make(map[string]time.Duration, len(ol.durations))
	for k, v := range ol.durations {
		out[k] = v
	}
	return out
}

// Elapsed returns the time since the operation started
func (ol *OperationLogger) Elapsed() time.Duration {
	return time.Since(ol.startTime)
}

// Success completes the operation successfully
func (ol *OperationLogger) Success(message string) {
	ol.closeStep()
	ol.entry().WithFields(Fields{
		"duration": ol.Elapsed().String(),
		"status":   "success",
	}).Info(message)
}

// Error completes the operation with an error
func (ol *OperationLogger) Error(err error, message string) {
	ol.closeStep()
	ol.entry().WithError(err).WithFields(Fields{
		"duration": ol.Elapsed().String(),
		"status":   "error",
	}).Error(message)
}

// Warning logs a warning during the operation
func (ol *OperationLogger) Warning(message string) {
	ol.entry().Warn(message)
}

func (ol *OperationLogger) entry() Logger {
	return ol.logger.WithFields(ol.fields)
}

// TimedOperation executes fn and logs its outcome and duration
func TimedOperation(operation string, logger Logger, fn func() error) error {
	ol := NewOperationLogger(operation, logger)

	if err := fn(); err != nil {
		ol.Error(err, "Operation failed")
		return err
	}

	ol.Success("Operation completed")
	return nil
}
