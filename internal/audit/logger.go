package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Command lifecycle
	LogCommandSubmitted(ctx context.Context, commandID, accountID, category string, price int) error
	LogCommandRejected(ctx context.Context, commandID, accountID, reason string) error
	LogCommandCompleted(ctx context.Context, commandID, accountID string, credits int, duration time.Duration) error
	LogCommandFailed(ctx context.Context, commandID, accountID, reason string, duration time.Duration) error

	// Credit movements
	LogCreditsReserved(ctx context.Context, accountID, reservationID string, amount int) error
	LogCreditsRefunded(ctx context.Context, accountID, reservationID string, amount int) error
	LogCreditsToppedUp(ctx context.Context, accountID, user string, amount int, cost float64) error
	LogPeriodReset(ctx context.Context, accountID string, total, rollover int) error
	LogCreditAlert(ctx context.Context, accountID, status string, percentUsed float64) error
	LogInvariantViolation(ctx context.Context, reservationID string, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// FlushInterval bounds how long an event may sit in the buffer
	FlushInterval time.Duration
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath:  "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		FlushInterval: time.Second,
	}
}

const bufferSize = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. appLogger receives internal errors
// such as events that fail to marshal; nil means discard.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	// Audit logs are append-only and always INFO level
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger.Named("audit"),
		auditLogger: zap.New(auditCore),
		config:      config,
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(config.FlushInterval),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogCommandSubmitted(ctx context.Context, commandID, accountID, category string, price int) error {
	event := NewEvent(EventCommandSubmitted).
		WithAccount(accountID).
		WithResource(commandID, "command").
		WithResult(ResultPending).
		WithMetadata("category", category).
		WithMetadata("price_credits", price).
		WithDescription(fmt.Sprintf("Command %s submitted as %s for %d credits", commandID, category, price))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogCommandRejected(ctx context.Context, commandID, accountID, reason string) error {
	event := NewEvent(EventCommandRejected).
		WithAccount(accountID).
		WithResource(commandID, "command").
		WithResult(ResultDenied).
		WithMetadata("reason", reason).
		WithDescription(fmt.Sprintf("Command %s rejected: %s", commandID, reason))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogCommandCompleted(ctx context.Context, commandID, accountID string, credits int, duration time.Duration) error {
	event := NewEvent(EventCommandCompleted).
		WithAccount(accountID).
		WithResource(commandID, "command").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("credits_used", credits).
		WithDescription(fmt.Sprintf("Command %s completed", commandID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogCommandFailed(ctx context.Context, commandID, accountID, reason string, duration time.Duration) error {
	event := NewEvent(EventCommandFailed).
		WithAccount(accountID).
		WithResource(commandID, "command").
		WithResult(ResultFailure).
		WithDuration(duration).
		WithMetadata("reason", reason).
		WithDescription(fmt.Sprintf("Command %s failed: %s", commandID, reason))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogCreditsReserved(ctx context.Context, accountID, reservationID string, amount int) error {
	event := NewEvent(EventCreditsReserved).
		WithAccount(accountID).
		WithResource(reservationID, "reservation").
		WithResult(ResultSuccess).
		WithMetadata("amount", amount)

	return l.Log(ctx, event)
}

func (l *auditLogger) LogCreditsRefunded(ctx context.Context, accountID, reservationID string, amount int) error {
	event := NewEvent(EventCreditsRefunded).
		WithAccount(accountID).
		WithResource(reservationID, "reservation").
		WithResult(ResultSuccess).
		WithMetadata("amount", amount)

	return l.Log(ctx, event)
}

func (l *auditLogger) LogCreditsToppedUp(ctx context.Context, accountID, user string, amount int, cost float64) error {
	event := NewEvent(EventCreditsToppedUp).
		WithAccount(accountID).
		WithUser(user).
		WithResult(ResultSuccess).
		WithMetadata("amount", amount).
		WithMetadata("cost", cost).
		WithDescription(fmt.Sprintf("Added %d credits to %s", amount, accountID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogPeriodReset(ctx context.Context, accountID string, total, rollover int) error {
	event := NewEvent(EventCreditsPeriodReset).
		WithAccount(accountID).
		WithResult(ResultSuccess).
		WithMetadata("total_credits", total).
		WithMetadata("rollover_credits", rollover)

	return l.Log(ctx, event)
}

func (l *auditLogger) LogCreditAlert(ctx context.Context, accountID, status string, percentUsed float64) error {
	event := NewEvent(EventCreditAlert).
		WithAccount(accountID).
		WithResult(ResultSuccess).
		WithMetadata("status", status).
		WithMetadata("percent_used", percentUsed).
		WithDescription(fmt.Sprintf("Account %s credit status is %s", accountID, status))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogInvariantViolation(ctx context.Context, reservationID string, err error) error {
	event := NewEvent(EventLedgerInvariantViolation).
		WithResource(reservationID, "reservation").
		WithError(err, "ledger_invariant")

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	return l.auditLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
