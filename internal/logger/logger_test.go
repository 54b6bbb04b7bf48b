package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	base := zap.New(core)
	return &Logger{SugaredLogger: base.Sugar(), baseLogger: base}, logs
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  config.LoggerConfig
		wantErr bool
	}{
		{
			name: "valid json config",
			config: config.LoggerConfig{
				Level:  "debug",
				Format: "json",
			},
			wantErr: false,
		},
		{
			name: "valid console config",
			config: config.LoggerConfig{
				Level:  "info",
				Format: "console",
			},
			wantErr: false,
		},
		{
			name: "invalid level",
			config: config.LoggerConfig{
				Level:  "invalid",
				Format: "json",
			},
			wantErr: true,
		},
		{
			name:    "empty config uses defaults",
			config:  config.LoggerConfig{},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestStartOperation(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	newCtx, span := logger.StartOperation(context.Background(), "test.operation",
		"key1", "value1",
	)

	assert.NotNil(t, newCtx)
	assert.NotNil(t, span)
	span.End()
}

func TestWithEventAndTarget(t *testing.T) {
	log, logs := newObserved(zapcore.DebugLevel)

	log.WithEvent("evt-1", "collector-001").WithTarget("203.0.113.7", 443).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "evt-1", fields["event_id"])
	assert.Equal(t, "collector-001", fields["source_id"])
	assert.Equal(t, "203.0.113.7", fields["ip"])
	assert.EqualValues(t, 443, fields["port"])
}

func TestLogEventOutcome(t *testing.T) {
	tests := []struct {
		outcome   string
		err       error
		wantLevel zapcore.Level
	}{
		{outcome: "dropped", err: errors.New("bad signature"), wantLevel: zapcore.WarnLevel},
		{outcome: "degraded", err: errors.New("geoip"), wantLevel: zapcore.WarnLevel},
		{outcome: "failed", err: errors.New("index down"), wantLevel: zapcore.ErrorLevel},
		{outcome: "stored", wantLevel: zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			log, logs := newObserved(zapcore.DebugLevel)

			log.LogEventOutcome(context.Background(), "evt-1", "src", "verify", tt.outcome, tt.err)

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.wantLevel, entry.Level)

			fields := entry.ContextMap()
			assert.Equal(t, "evt-1", fields["event_id"])
			assert.Equal(t, "src", fields["source_id"])
			assert.Equal(t, "verify", fields["stage"])
			assert.Equal(t, tt.outcome, fields["outcome"])
			if tt.err != nil {
				assert.Equal(t, tt.err.Error(), fields["error"])
			} else {
				assert.NotContains(t, fields, "error")
			}
		})
	}
}

func TestLogHTTPRequest(t *testing.T) {
	tests := []struct {
		status    int
		wantLevel zapcore.Level
	}{
		{status: 200, wantLevel: zapcore.InfoLevel},
		{status: 429, wantLevel: zapcore.WarnLevel},
		{status: 503, wantLevel: zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		log, logs := newObserved(zapcore.DebugLevel)
		log.WithFields("user", "alice").LogHTTPRequest(context.Background(), "GET", "/v1/search", tt.status, 12*time.Millisecond)

		require.Equal(t, 1, logs.Len())
		entry := logs.All()[0]
		assert.Equal(t, tt.wantLevel, entry.Level, "status %d", tt.status)
		fields := entry.ContextMap()
		assert.Equal(t, "alice", fields["user"])
		assert.EqualValues(t, tt.status, fields["http_status"])
		assert.EqualValues(t, 12, fields["duration_ms"])
	}
}

func TestLogErrorIgnoresNil(t *testing.T) {
	log, logs := newObserved(zapcore.DebugLevel)

	log.LogError(context.Background(), nil, "noop")
	assert.Equal(t, 0, logs.Len())

	log.LogError(context.Background(), errors.New("boom"), "op")
	assert.Equal(t, 1, logs.Len())
}

func TestLogPanicDoesNotRepanic(t *testing.T) {
	log, logs := newObserved(zapcore.DebugLevel)

	assert.NotPanics(t, func() {
		log.LogPanic(context.Background(), "kaboom", "worker")
	})
	assert.Equal(t, 1, logs.Len())
}

func TestFromContext(t *testing.T) {
	log := NewNop()
	ctx := WithLogger(context.Background(), log)

	assert.Same(t, log, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestLoggerConcurrency(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(id int) {
			logger.Infow("concurrent log", "goroutine", id)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
