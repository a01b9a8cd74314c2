package logger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	TrackerIDContextKey = "heap_tracker.id"
)

// GetTrackerID retrieves the tracker ID from context if present.
func GetTrackerID(ctx context.Context) *string {
	if ctx.Value(TrackerIDContextKey) == nil {
		return nil
	}

	value := ctx.Value(TrackerIDContextKey).(string)

	return &value
}

func WithTrackerID(trackerID uuid.UUID) zap.Field {
	return zap.String("heap_tracker.id", trackerID.String())
}

func WithVirtualOffset(offset uint64) zap.Field {
	return zap.String("virtual_offset", fmt.Sprintf("%#x", offset))
}

func WithHostOffset(offset uint64) zap.Field {
	return zap.String("host_offset", fmt.Sprintf("%#x", offset))
}

func WithLength(length uint64) zap.Field {
	return zap.Uint64("length", length)
}

func FieldsFromContext(ctx context.Context) []zap.Field {
	var attrs []zap.Field

	if trackerID := GetTrackerID(ctx); trackerID != nil {
		attrs = append(attrs, zap.String("heap_tracker.id", *trackerID))
	}

	return attrs
}
