package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    Level
		wantErr bool
	}{
		{raw: "error", want: LevelError},
		{raw: "WARN", want: LevelWarn},
		{raw: "warning", want: LevelWarn},
		{raw: " info ", want: LevelInfo},
		{raw: "debug", want: LevelDebug},
		{raw: "verbose", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()

			level, err := ParseLevel(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, level)
		})
	}
}

func TestFieldConstructors(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")

	assert.Equal(t, Field{Key: "queue", Value: "order_created"}, String("queue", "order_created"))
	assert.Equal(t, Field{Key: "attempt", Value: 3}, Int("attempt", 3))
	assert.Equal(t, Field{Key: "durable", Value: true}, Bool("durable", true))
	assert.Equal(t, Field{Key: "error", Value: err}, Err(err))
}

type recordingLogger struct {
	NopLogger
	entries []string
}

func (l *recordingLogger) Log(_ context.Context, _ Level, msg string, _ ...Field) {
	l.entries = append(l.entries, msg)
}

func TestSafeError(t *testing.T) {
	t.Parallel()

	rec := &recordingLogger{}

	SafeError(nil, context.Background(), "ignored", errors.New("boom"))
	SafeError(rec, context.Background(), "ignored", nil)
	require.Empty(t, rec.entries)

	SafeError(rec, context.Background(), "publish failed", errors.New("boom"))
	require.Equal(t, []string{"publish failed"}, rec.entries)
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	logger.Log(context.Background(), LevelError, "dropped")
	assert.False(t, logger.Enabled(LevelError))
	assert.Same(t, logger, logger.With(String("k", "v")))
	assert.NoError(t, logger.Sync(context.Background()))
}
