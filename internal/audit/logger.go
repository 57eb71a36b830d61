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

	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/safety"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/policy"
)

// Package audit records every decision the remediation engine makes as an
// append-only JSON event stream, separate from the application log.
//
// Events are buffered in memory and written in batches: when the buffer
// holds bufferSize events, on Sync, and once per second in the background.

const bufferSize = 100

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Incident lifecycle
	LogIncidentCreated(ctx context.Context, inc *models.Incident) error
	LogIncidentUpdated(ctx context.Context, inc *models.Incident, from models.IncidentStatus) error

	// Decisions
	LogGuardrailEvaluated(ctx context.Context, res *policy.Result) error
	LogRecommendation(ctx context.Context, rec *safety.Recommendation) error

	// Configuration and process lifecycle
	LogConfigReloaded(ctx context.Context, source string, err error) error
	LogServerStarted(ctx context.Context, addr string) error
	LogServerShutdown(ctx context.Context, reason string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// Path is the path to the audit log file
	Path string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		Path:       "logs/audit.log",
		MaxSize:    100, // megabytes
		MaxBackups: 10,
		MaxAge:     90, // days
		Compress:   true,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	builders

	appLogger   *zap.Logger
	auditLogger *zap.Logger
	rotator     *lumberjack.Logger
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. Marshal failures are reported on
// appLogger, which may be nil.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// Audit logs are always INFO level, append-only.
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	l := &auditLogger{
		appLogger:   appLogger.Named("audit"),
		auditLogger: zap.New(auditCore),
		rotator:     rotator,
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}
	l.builders = builders{sink: l.Log}

	go l.autoFlush()

	return l, nil
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

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	return l.auditLogger.Sync()
}

// Close flushes outstanding events and closes the log file. It is safe to
// call more than once.
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()

		if err = l.Sync(); err != nil {
			return
		}
		err = l.rotator.Close()
	})
	return err
}

// builders turns domain objects into events and hands them to sink.
type builders struct {
	sink func(ctx context.Context, event *Event) error
}

func (b builders) LogIncidentCreated(ctx context.Context, inc *models.Incident) error {
	event := NewEvent(EventIncidentCreated).
		WithIncident(inc.ID).
		WithResource(inc.ServiceName, "service").
		WithResult(ResultSuccess).
		WithMetadata("severity", string(inc.Severity)).
		WithMetadata("error_signature", inc.ErrorSignature).
		WithDescription(fmt.Sprintf("Incident %s opened on %s (%s)", inc.ID, inc.ServiceName, inc.Severity))

	return b.sink(ctx, event)
}

func (b builders) LogIncidentUpdated(ctx context.Context, inc *models.Incident, from models.IncidentStatus) error {
	event := NewEvent(EventIncidentUpdated).
		WithIncident(inc.ID).
		WithResource(inc.ServiceName, "service").
		WithResult(ResultSuccess).
		WithMetadata("from", string(from)).
		WithMetadata("to", string(inc.Status))

	if from != inc.Status {
		event.WithDescription(fmt.Sprintf("Incident %s moved from %s to %s", inc.ID, from, inc.Status))
	} else {
		event.WithDescription(fmt.Sprintf("Incident %s updated", inc.ID))
	}

	return b.sink(ctx, event)
}

func (b builders) LogGuardrailEvaluated(ctx context.Context, res *policy.Result) error {
	result := ResultSuccess
	if res.Status == policy.StatusBlocked {
		result = ResultDenied
	}

	event := NewEvent(EventGuardrailEvaluated).
		WithAction(res.ActionType).
		WithResource(res.ServiceName, "service").
		WithResult(result).
		WithMetadata("status", string(res.Status)).
		WithMetadata("passed", res.Passed).
		WithMetadata("warnings", res.Warnings).
		WithMetadata("blocked", res.Blocked).
		WithDescription(fmt.Sprintf("Guardrails %s %s on %s", res.Status, res.ActionType, res.ServiceName))

	for _, c := range res.Checks {
		if c.Status == policy.CheckBlocked {
			event.WithMetadata("blocked_by_"+c.Name, c.Message)
		}
	}

	return b.sink(ctx, event)
}

func (b builders) LogRecommendation(ctx context.Context, rec *safety.Recommendation) error {
	event := NewEvent(EventRecommendationProduced).
		WithIncident(rec.IncidentID).
		WithAction(rec.ProposedAction).
		WithResource(rec.ServiceName, "service").
		WithResult(ResultSuccess).
		WithMetadata("verdict", string(rec.Verdict)).
		WithMetadata("safety_score", rec.SafetyScore).
		WithMetadata("requires_human_approval", rec.RequiresHumanApproval).
		WithMetadata("blast_radius", rec.BlastRadius.TotalAffected).
		WithDescription(fmt.Sprintf("%s for %s on %s: %s", rec.Verdict, rec.ProposedAction, rec.ServiceName, rec.VerdictReason))

	return b.sink(ctx, event)
}

func (b builders) LogConfigReloaded(ctx context.Context, source string, err error) error {
	event := NewEvent(EventConfigReloaded).
		WithResult(ResultSuccess).
		WithMetadata("source", source).
		WithError(err, "config_invalid").
		WithDescription("Configuration reloaded from " + source)

	return b.sink(ctx, event)
}

func (b builders) LogServerStarted(ctx context.Context, addr string) error {
	event := NewEvent(EventServerStarted).
		WithResult(ResultSuccess).
		WithMetadata("addr", addr).
		WithDescription("Remediation server listening on " + addr)

	return b.sink(ctx, event)
}

func (b builders) LogServerShutdown(ctx context.Context, reason string) error {
	event := NewEvent(EventServerShutdown).
		WithResult(ResultSuccess).
		WithDescription("Remediation server stopped: " + reason)

	return b.sink(ctx, event)
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
