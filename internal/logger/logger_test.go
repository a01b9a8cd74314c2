package logger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerTeesExtraCores(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)

	l, err := NewLogger(context.Background(), LoggerConfig{
		ServiceName: "heap-stress",
		IsDebug:     true,
		Cores:       []zapcore.Core{core},
	})
	require.NoError(t, err)

	l.Debug("rebuild", WithVirtualOffset(0x2000), WithLength(0x1000))

	entries := logs.AllUntimed()
	require.Len(t, entries, 1)
	assert.Equal(t, "rebuild", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "heap-stress", fields["service"])
	assert.Equal(t, "0x2000", fields["virtual_offset"])
	assert.Equal(t, uint64(0x1000), fields["length"])
	assert.Equal(t, false, fields["internal"])
}

func TestFieldsFromContext(t *testing.T) {
	t.Parallel()

	assert.Empty(t, FieldsFromContext(context.Background()))

	id := uuid.New()
	ctx := context.WithValue(context.Background(), TrackerIDContextKey, id.String()) //nolint:staticcheck // matches the string keys used across the logger fields

	fields := FieldsFromContext(ctx)
	require.Len(t, fields, 1)
	assert.Equal(t, WithTrackerID(id), fields[0])
}
