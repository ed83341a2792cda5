package reqctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, Fields(ctx))

	ctx = SetRequestID(ctx, "req-1")
	ctx = SetRecord(ctx, "crm", "r-42")
	ctx = SetProcessingPath(ctx, "stream")

	assert.Equal(t, map[string]any{
		"request_id":       "req-1",
		"source_system":    "crm",
		"source_record_id": "r-42",
		"processing_path":  "stream",
	}, Fields(ctx))
	assert.Equal(t, "req-1", GetRequestID(ctx))
}
