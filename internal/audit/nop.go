package audit

import (
	"context"
	"time"
)

// NopLogger discards every event. Used when auditing is disabled.
type NopLogger struct{}

var _ Logger = NopLogger{}

func (NopLogger) Log(context.Context, *Event) error { return nil }
func (NopLogger) LogCommandSubmitted(context.Context, string, string, string, int) error {
	return nil
}
func (NopLogger) LogCommandRejected(context.Context, string, string, string) error { return nil }
func (NopLogger) LogCommandCompleted(context.Context, string, string, int, time.Duration) error {
	return nil
}
func (NopLogger) LogCommandFailed(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (NopLogger) LogCreditsReserved(context.Context, string, string, int) error { return nil }
func (NopLogger) LogCreditsRefunded(context.Context, string, string, int) error { return nil }
func (NopLogger) LogCreditsToppedUp(context.Context, string, string, int, float64) error {
	return nil
}
func (NopLogger) LogPeriodReset(context.Context, string, int, int) error { return nil }
func (NopLogger) LogCreditAlert(context.Context, string, string, float64) error { return nil }
func (NopLogger) LogInvariantViolation(context.Context, string, error) error { return nil }
func (NopLogger) Sync() error                                              { return nil }
func (NopLogger) Close() error                                             { return nil }
