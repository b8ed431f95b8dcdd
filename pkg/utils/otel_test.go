package utils

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupOTelSDKWithoutDSNLogsToWriter(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()

	shutdown, err := SetupOTelSDK(ctx, OTelOptions{LogWriter: &buf})
	require.NoError(t, err)

	logger := NewLogger(true, nil)
	logger.InfoContext(ctx, "folder opened", "folder", "INBOX")

	require.NoError(t, shutdown(ctx))
	assert.Contains(t, buf.String(), "folder opened")
	assert.Contains(t, buf.String(), "INBOX")

	// shutdown is idempotent
	assert.NoError(t, shutdown(ctx))
}

func TestNewLoggerWithoutTelemetry(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(false, &buf).Info("plain", "uid", 7)
	assert.Contains(t, buf.String(), `"msg":"plain"`)
	assert.Contains(t, buf.String(), `"uid":7`)
}

func TestWrapErrorAddsCallSite(t *testing.T) {
	err := WrapError(assert.AnError)
	assert.Contains(t, err.Error(), "otel_test.go")
	assert.Contains(t, err.Error(), assert.AnError.Error())
}
